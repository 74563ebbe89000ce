package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete foreman configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Verify   VerifyConfig   `mapstructure:"verify"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Review   ReviewConfig   `mapstructure:"review"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP API server
type ServerConfig struct {
	// Port is the TCP port the API server listens on
	Port int `mapstructure:"port"`
	// EventPollMs is the SSE poll interval in milliseconds
	EventPollMs int `mapstructure:"event_poll_ms"`
}

// StorageConfig controls where foreman stores durable state
type StorageConfig struct {
	// DataDir is the directory for the task database and logs.
	// If empty, defaults to ~/.local/share/foreman.
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir"`
}

// VerifyConfig controls the CI-verification retry loop
type VerifyConfig struct {
	// PollIntervalSeconds is how often to poll CI for a check result
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// PollTimeoutMinutes is the maximum time to wait for a terminal CI
	// result per submission (0 = no timeout)
	PollTimeoutMinutes int `mapstructure:"poll_timeout_minutes"`
	// MaxFixAttempts caps how many fix attempts are made when CI fails
	MaxFixAttempts int `mapstructure:"max_fix_attempts"`
}

// ExecutorConfig controls the per-task sandbox executor
type ExecutorConfig struct {
	// WorkerCommand is the command run inside the sandbox to perform
	// planning and implementation work. It receives instructions on stdin
	// and must emit a JSON result on stdout.
	WorkerCommand string `mapstructure:"worker_command"`
	// WorkspaceDir is where per-task working directories are provisioned.
	// If empty, defaults to {data_dir}/workspaces.
	WorkspaceDir string `mapstructure:"workspace_dir"`
	// RunTimeoutMinutes is the maximum runtime of a single worker run
	// (0 = no timeout). A timeout during implementation consumes one fix
	// attempt.
	RunTimeoutMinutes int `mapstructure:"run_timeout_minutes"`
}

// ReviewConfig controls change-request creation in the review system
type ReviewConfig struct {
	// Draft creates change requests as drafts until verification passes
	Draft bool `mapstructure:"draft"`
	// Labels to add to all change requests
	Labels []string `mapstructure:"labels"`
	// Reviewers configuration for reviewer routing suggestions
	Reviewers ReviewerConfig `mapstructure:"reviewers"`
}

// ReviewerConfig controls reviewer routing suggestions
type ReviewerConfig struct {
	// Default reviewers to always suggest
	Default []string `mapstructure:"default"`
	// ByPath maps file path patterns to reviewers (glob patterns supported)
	ByPath map[string][]string `mapstructure:"by_path"`
}

// RetryConfig controls retry of transient infrastructure failures.
// Verification failures are governed by verify.max_fix_attempts instead.
type RetryConfig struct {
	// MaxAttempts is the attempt budget per external step
	MaxAttempts int `mapstructure:"max_attempts"`
	// BackoffSeconds is the initial backoff between attempts; it doubles
	// per attempt
	BackoffSeconds int `mapstructure:"backoff_seconds"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether file logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        7363,
			EventPollMs: 1000,
		},
		Storage: StorageConfig{
			DataDir: "", // Empty means use default: ~/.local/share/foreman
		},
		Verify: VerifyConfig{
			PollIntervalSeconds: 30,
			PollTimeoutMinutes:  45,
			MaxFixAttempts:      5,
		},
		Executor: ExecutorConfig{
			WorkerCommand:     "foreman-worker",
			WorkspaceDir:      "",
			RunTimeoutMinutes: 60,
		},
		Review: ReviewConfig{
			Draft:  true,
			Labels: []string{},
			Reviewers: ReviewerConfig{
				Default: []string{},
				ByPath:  map[string][]string{},
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BackoffSeconds: 2,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// PollInterval returns the CI poll interval as a time.Duration
func (c *VerifyConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PollTimeout returns the CI poll timeout as a time.Duration (0 means disabled)
func (c *VerifyConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMinutes) * time.Minute
}

// RunTimeout returns the worker run timeout as a time.Duration (0 means disabled)
func (c *ExecutorConfig) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutMinutes) * time.Minute
}

// Backoff returns the initial transient-retry backoff as a time.Duration
func (c *RetryConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

// ResolveDataDir returns the resolved data directory path.
// If DataDir is empty, it returns the default under the user's home.
// If DataDir starts with ~, it expands to the user's home directory.
func (s *StorageConfig) ResolveDataDir() string {
	if s.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".foreman"
		}
		return filepath.Join(home, ".local", "share", "foreman")
	}

	path := s.DataDir
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}
	return path
}

// ResolveWorkspaceDir returns the directory for per-task sandboxes,
// defaulting to a subdirectory of the data directory.
func (c *Config) ResolveWorkspaceDir() string {
	if c.Executor.WorkspaceDir != "" {
		return c.Executor.WorkspaceDir
	}
	return filepath.Join(c.Storage.ResolveDataDir(), "workspaces")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.event_poll_ms", defaults.Server.EventPollMs)

	viper.SetDefault("storage.data_dir", defaults.Storage.DataDir)

	viper.SetDefault("verify.poll_interval_seconds", defaults.Verify.PollIntervalSeconds)
	viper.SetDefault("verify.poll_timeout_minutes", defaults.Verify.PollTimeoutMinutes)
	viper.SetDefault("verify.max_fix_attempts", defaults.Verify.MaxFixAttempts)

	viper.SetDefault("executor.worker_command", defaults.Executor.WorkerCommand)
	viper.SetDefault("executor.workspace_dir", defaults.Executor.WorkspaceDir)
	viper.SetDefault("executor.run_timeout_minutes", defaults.Executor.RunTimeoutMinutes)

	viper.SetDefault("review.draft", defaults.Review.Draft)
	viper.SetDefault("review.labels", defaults.Review.Labels)
	viper.SetDefault("review.reviewers.default", defaults.Review.Reviewers.Default)
	viper.SetDefault("review.reviewers.by_path", defaults.Review.Reviewers.ByPath)

	viper.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	viper.SetDefault("retry.backoff_seconds", defaults.Retry.BackoffSeconds)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "foreman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".config", "foreman")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
