// Package errors provides centralized error definitions and classification
// for the foreman codebase. It defines sentinel errors per subsystem,
// semantic error types, and classification helpers that implement the
// orchestrator's error taxonomy: input errors are rejected synchronously,
// transient infrastructure errors are retryable, verification failures drive
// the fix loop, and fatal errors terminate the task.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Re-export standard library functions for convenience. This allows callers
// to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Task-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrInvalidTransition indicates a state transition the table forbids.
	ErrInvalidTransition = New("invalid status transition")
	// ErrConflict indicates an optimistic-concurrency check failed: the
	// persisted state no longer matches the state the caller observed.
	ErrConflict = New("state conflict")
	// ErrTaskTerminal indicates an operation on a task already in a terminal state.
	ErrTaskTerminal = New("task is in a terminal state")
)

// Queue-item sentinel errors
var (
	// ErrItemNotFound indicates that a queue item could not be found.
	ErrItemNotFound = New("queue item not found")
	// ErrItemNotPending indicates a response to an item that was already
	// resolved or expired.
	ErrItemNotPending = New("queue item is not pending")
	// ErrIncompleteAnswers indicates that a question-batch response is
	// missing answers for one or more question IDs.
	ErrIncompleteAnswers = New("answers do not cover every question")
	// ErrInvalidResponse indicates a response payload that is not acceptable
	// for the item's kind.
	ErrInvalidResponse = New("invalid response for item kind")
)

// Adapter sentinel errors
var (
	// ErrExecutorNotProvisioned indicates a run was requested for a task
	// with no provisioned executor.
	ErrExecutorNotProvisioned = New("executor not provisioned")
	// ErrRunTimeout indicates an executor run exceeded its configured timeout.
	ErrRunTimeout = New("executor run timed out")
	// ErrCheckPending indicates CI has not yet reported a terminal result.
	ErrCheckPending = New("verification result pending")
)

// -----------------------------------------------------------------------------
// Semantic Error Types
// -----------------------------------------------------------------------------

// ValidationError represents an input error: malformed intake or an invalid
// request payload. Validation errors never mutate state and are not retryable.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for a field with a reason.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// TransientError wraps a transient infrastructure failure that may succeed
// on retry (executor provisioning, CI adapter timeouts, network failures
// talking to the review system).
type TransientError struct {
	Op  string
	Err error
}

// NewTransientError wraps err as a transient failure of the named operation.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps an unrecoverable adapter failure. A fatal error moves the
// task to failed immediately and tears down its executor.
type FatalError struct {
	Op  string
	Err error
}

// NewFatalError wraps err as a fatal failure of the named operation.
func NewFatalError(op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal failure in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// TimeoutError represents an operation that exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// NewTimeoutError creates a TimeoutError for the named operation.
func NewTimeoutError(op string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{Op: op, Timeout: timeout}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error is a transient infrastructure
// failure that may succeed on retry with backoff.
func IsRetryable(err error) bool {
	var te *TransientError
	if As(err, &te) {
		return true
	}
	var to *TimeoutError
	return As(err, &to)
}

// IsFatal reports whether the error should immediately fail the task.
func IsFatal(err error) bool {
	var fe *FatalError
	return As(err, &fe)
}

// IsValidation reports whether the error is an input error that must be
// rejected synchronously without mutating state.
func IsValidation(err error) bool {
	var ve *ValidationError
	return As(err, &ve)
}

// IsConflict reports whether the error indicates a lost optimistic-concurrency
// race or a response against an already-resolved item. Callers must re-fetch
// state rather than assume their operation took effect.
func IsConflict(err error) bool {
	return Is(err, ErrConflict) || Is(err, ErrItemNotPending) || Is(err, ErrInvalidTransition)
}

// IsNotFound reports whether the error indicates a missing task or item.
func IsNotFound(err error) bool {
	return Is(err, ErrTaskNotFound) || Is(err, ErrItemNotFound)
}
