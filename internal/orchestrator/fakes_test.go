package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/forgeops/foreman/internal/ci"
	"github.com/forgeops/foreman/internal/review"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/task"
)

// fakeExecutor scripts worker runs per phase and records call counts.
type fakeExecutor struct {
	mu sync.Mutex

	planResults []*sandbox.RunResult // consumed in order across plan runs
	implResult  *sandbox.RunResult
	fixResult   *sandbox.RunResult

	planCalls      int
	implCalls      int
	fixCalls       int
	provisionCalls int
	teardownCalls  int
	tornDown       map[sandbox.Handle]bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		implResult: &sandbox.RunResult{Kind: sandbox.ResultChanges, CommitSHA: "sha-impl", ChangedFiles: []string{"internal/api/handler.go"}},
		fixResult:  &sandbox.RunResult{Kind: sandbox.ResultChanges, CommitSHA: "sha-fix"},
		tornDown:   make(map[sandbox.Handle]bool),
	}
}

func (f *fakeExecutor) Provision(ctx context.Context, t *task.Task) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionCalls++
	return sandbox.Handle(t.ID), nil
}

func (f *fakeExecutor) Run(ctx context.Context, h sandbox.Handle, ins sandbox.Instructions) (*sandbox.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch ins.Phase {
	case sandbox.PhasePlan:
		f.planCalls++
		if len(f.planResults) == 0 {
			return &sandbox.RunResult{Kind: sandbox.ResultPlan, Plan: "default plan"}, nil
		}
		r := f.planResults[0]
		if len(f.planResults) > 1 {
			f.planResults = f.planResults[1:]
		}
		return r, nil
	case sandbox.PhaseImplement:
		f.implCalls++
		return f.implResult, nil
	case sandbox.PhaseFix:
		f.fixCalls++
		return f.fixResult, nil
	}
	return nil, fmt.Errorf("unknown phase %q", ins.Phase)
}

func (f *fakeExecutor) FetchLogs(ctx context.Context, h sandbox.Handle, tail int) (string, error) {
	return "log line", nil
}

func (f *fakeExecutor) Teardown(ctx context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardownCalls++
	f.tornDown[h] = true
	return nil
}

func (f *fakeExecutor) counts() (plan, impl, fix, provision, teardown int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planCalls, f.implCalls, f.fixCalls, f.provisionCalls, f.teardownCalls
}

// fakeReviews hands out deterministic record URLs.
type fakeReviews struct {
	mu           sync.Mutex
	issueCreates int
	prCreates    int
	readyCalls   int
	closed       int
	reviewers    []string
}

func (f *fakeReviews) CreatePlanRecord(ctx context.Context, t *task.Task) (*review.PlanRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCreates++
	return &review.PlanRecord{URL: "https://github.com/forgeops/widget/issues/1", Number: 1}, nil
}

func (f *fakeReviews) CreateChangeRequest(ctx context.Context, t *task.Task) (*review.ChangeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prCreates++
	return &review.ChangeRequest{URL: "https://github.com/forgeops/widget/pull/2", Number: 2}, nil
}

func (f *fakeReviews) MarkReadyForReview(ctx context.Context, t *task.Task, reviewers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyCalls++
	f.reviewers = reviewers
	return nil
}

func (f *fakeReviews) ClosePlanRecord(ctx context.Context, t *task.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeReviews) counts() (issues, prs, ready, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueCreates, f.prCreates, f.readyCalls, f.closed
}

// fakeChecks replays a scripted sequence of CI statuses, holding the last
// one once the script runs out.
type fakeChecks struct {
	mu       sync.Mutex
	sequence []ci.Status
	calls    int
	detail   string
}

func (f *fakeChecks) CheckStatus(ctx context.Context, t *task.Task) (ci.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.sequence) == 0 {
		return ci.StatusPassed, nil
	}
	status := f.sequence[0]
	if len(f.sequence) > 1 {
		f.sequence = f.sequence[1:]
	}
	return status, nil
}

func (f *fakeChecks) FetchFailureDetail(ctx context.Context, t *task.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detail == "" {
		return "check \"test\" failed", nil
	}
	return f.detail, nil
}
