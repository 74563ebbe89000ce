package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "verify.max_fix_attempts")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateVerify()...)
	errors = append(errors, c.validateExecutor()...)
	errors = append(errors, c.validateReview()...)
	errors = append(errors, c.validateRetry()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Server.EventPollMs < 100 {
		errors = append(errors, ValidationError{
			Field:   "server.event_poll_ms",
			Value:   c.Server.EventPollMs,
			Message: "must be at least 100",
		})
	}

	return errors
}

func (c *Config) validateVerify() []ValidationError {
	var errors []ValidationError

	if c.Verify.PollIntervalSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "verify.poll_interval_seconds",
			Value:   c.Verify.PollIntervalSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Verify.PollTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "verify.poll_timeout_minutes",
			Value:   c.Verify.PollTimeoutMinutes,
			Message: "must be 0 (disabled) or positive",
		})
	}
	if c.Verify.MaxFixAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "verify.max_fix_attempts",
			Value:   c.Verify.MaxFixAttempts,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateExecutor() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Executor.WorkerCommand) == "" {
		errors = append(errors, ValidationError{
			Field:   "executor.worker_command",
			Value:   c.Executor.WorkerCommand,
			Message: "must not be empty",
		})
	}
	if c.Executor.RunTimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "executor.run_timeout_minutes",
			Value:   c.Executor.RunTimeoutMinutes,
			Message: "must be 0 (disabled) or positive",
		})
	}

	return errors
}

func (c *Config) validateReview() []ValidationError {
	var errors []ValidationError

	// Reviewer path patterns must compile as globs.
	for pattern := range c.Review.Reviewers.ByPath {
		if _, err := glob.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   "review.reviewers.by_path",
				Value:   pattern,
				Message: "invalid glob pattern",
			})
		}
	}

	return errors
}

func (c *Config) validateRetry() []ValidationError {
	var errors []ValidationError

	if c.Retry.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "retry.max_attempts",
			Value:   c.Retry.MaxAttempts,
			Message: "must be at least 1",
		})
	}
	if c.Retry.BackoffSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "retry.backoff_seconds",
			Value:   c.Retry.BackoffSeconds,
			Message: "must be 0 or positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
