package review

import (
	"context"

	"github.com/forgeops/foreman/internal/task"
)

// PlanRecord is the tracking record created for an approved plan.
type PlanRecord struct {
	URL    string
	Number int
}

// ChangeRequest is the change-set submitted for human review.
type ChangeRequest struct {
	URL    string
	Number int
}

// Adapter talks to the external change-review system.
//
// Creation calls must be safe to replay: callers persist the returned
// reference before acting on it, and re-invoke the call on restart. An
// implementation may either detect an existing record for the task or rely
// on the caller's persisted reference to skip the call entirely.
type Adapter interface {
	// CreatePlanRecord files a tracking record containing the approved plan.
	CreatePlanRecord(ctx context.Context, t *task.Task) (*PlanRecord, error)

	// CreateChangeRequest submits the task's branch for review.
	CreateChangeRequest(ctx context.Context, t *task.Task) (*ChangeRequest, error)

	// MarkReadyForReview flips a draft change request to reviewable and
	// requests the given reviewers. A nil reviewer list requests nobody.
	MarkReadyForReview(ctx context.Context, t *task.Task, reviewers []string) error

	// ClosePlanRecord closes the task's tracking record, if any.
	ClosePlanRecord(ctx context.Context, t *task.Task) error
}
