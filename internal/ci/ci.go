// Package ci reports the verification status of a submitted change request.
package ci

import (
	"context"

	"github.com/forgeops/foreman/internal/task"
)

// Status is the aggregate verification state of a change request.
type Status string

const (
	// StatusPending means at least one check has not finished.
	StatusPending Status = "pending"
	// StatusPassed means every required check succeeded.
	StatusPassed Status = "passed"
	// StatusFailed means at least one check failed.
	StatusFailed Status = "failed"
)

// Adapter polls the external verification system.
type Adapter interface {
	// CheckStatus returns the aggregate status of the task's change
	// request. A change request with no checks configured counts as
	// passed.
	CheckStatus(ctx context.Context, t *task.Task) (Status, error)

	// FetchFailureDetail returns a diagnostic description of the failing
	// checks, suitable for handing to a fix run.
	FetchFailureDetail(ctx context.Context, t *task.Task) (string, error)
}
