// Package event defines the notification contract between the orchestrator
// and its observers. Consumers treat events as a hint to re-fetch state, not
// as the source of truth: after receiving an event for transition k, a full
// re-fetch of the task always reflects at least that transition.
package event

import (
	"time"

	"github.com/forgeops/foreman/internal/task"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.updated", "inbox.updated").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// TaskUpdatedEvent is emitted after every committed task transition.
type TaskUpdatedEvent struct {
	baseEvent
	TaskID string      // Task that transitioned
	Status task.Status // Status after the transition
}

// NewTaskUpdatedEvent creates a TaskUpdatedEvent.
func NewTaskUpdatedEvent(taskID string, status task.Status) TaskUpdatedEvent {
	return TaskUpdatedEvent{
		baseEvent: newBaseEvent("task.updated"),
		TaskID:    taskID,
		Status:    status,
	}
}

// TaskFailedEvent carries the terminal error when a task fails.
type TaskFailedEvent struct {
	baseEvent
	TaskID string
	Error  string // Human-readable failure detail
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, errMsg string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent("task.failed"),
		TaskID:    taskID,
		Error:     errMsg,
	}
}

// -----------------------------------------------------------------------------
// Verification Events
// -----------------------------------------------------------------------------

// VerificationAttemptEvent is emitted for each fix attempt in the
// verification loop.
type VerificationAttemptEvent struct {
	baseEvent
	TaskID  string
	Attempt int    // Fix attempts consumed so far
	Max     int    // Configured attempt cap
	Detail  string // Failure diagnostic that triggered the attempt
}

// NewVerificationAttemptEvent creates a VerificationAttemptEvent.
func NewVerificationAttemptEvent(taskID string, attempt, max int, detail string) VerificationAttemptEvent {
	return VerificationAttemptEvent{
		baseEvent: newBaseEvent("verification.attempt"),
		TaskID:    taskID,
		Attempt:   attempt,
		Max:       max,
		Detail:    detail,
	}
}

// VerificationPassedEvent is emitted when CI reports a passing result.
type VerificationPassedEvent struct {
	baseEvent
	TaskID   string
	Attempts int // Fix attempts consumed before passing
}

// NewVerificationPassedEvent creates a VerificationPassedEvent.
func NewVerificationPassedEvent(taskID string, attempts int) VerificationPassedEvent {
	return VerificationPassedEvent{
		baseEvent: newBaseEvent("verification.passed"),
		TaskID:    taskID,
		Attempts:  attempts,
	}
}

// -----------------------------------------------------------------------------
// Inbox Events
// -----------------------------------------------------------------------------

// InboxUpdatedEvent is emitted when a queue item is created, responded to,
// or marked read.
type InboxUpdatedEvent struct {
	baseEvent
	ItemID      string // Item that changed; empty for bulk changes
	UnreadCount int    // Pending unread items after the change
}

// NewInboxUpdatedEvent creates an InboxUpdatedEvent.
func NewInboxUpdatedEvent(itemID string, unreadCount int) InboxUpdatedEvent {
	return InboxUpdatedEvent{
		baseEvent:   newBaseEvent("inbox.updated"),
		ItemID:      itemID,
		UnreadCount: unreadCount,
	}
}

// -----------------------------------------------------------------------------
// Executor Events
// -----------------------------------------------------------------------------

// ExecutorTornDownEvent is emitted after a task's sandbox is released.
type ExecutorTornDownEvent struct {
	baseEvent
	TaskID string
	Handle string // Executor handle that was released
}

// NewExecutorTornDownEvent creates an ExecutorTornDownEvent.
func NewExecutorTornDownEvent(taskID, handle string) ExecutorTornDownEvent {
	return ExecutorTornDownEvent{
		baseEvent: newBaseEvent("executor.torndown"),
		TaskID:    taskID,
		Handle:    handle,
	}
}
