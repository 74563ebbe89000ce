// Package sandbox abstracts the isolated per-task executor that performs
// planning and implementation work. The orchestrator provisions one sandbox
// per task, runs the worker inside it, and tears it down unconditionally
// when the task reaches a terminal state.
package sandbox

import (
	"context"

	"github.com/forgeops/foreman/internal/task"
)

// Handle identifies a provisioned sandbox.
type Handle string

// Phase names the kind of work a run performs.
type Phase string

const (
	// PhasePlan asks the worker to produce a plan or clarifying questions.
	PhasePlan Phase = "plan"
	// PhaseImplement asks the worker to implement the approved plan.
	PhaseImplement Phase = "implement"
	// PhaseFix asks the worker to fix a failing verification result.
	PhaseFix Phase = "fix"
)

// Instructions is the input to a single worker run.
type Instructions struct {
	Phase       Phase             `json:"phase"`
	Description string            `json:"description"`
	Plan        string            `json:"plan,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
	Feedback    string            `json:"feedback,omitempty"`
	Diagnostics string            `json:"diagnostics,omitempty"`
}

// ResultKind discriminates what a run produced.
type ResultKind string

const (
	// ResultQuestions means the worker needs answers before it can plan.
	ResultQuestions ResultKind = "questions"
	// ResultPlan means the worker produced a plan for review.
	ResultPlan ResultKind = "plan"
	// ResultChanges means the worker produced (or amended) a change-set.
	ResultChanges ResultKind = "changes"
)

// RunResult is the outcome of a single worker run.
type RunResult struct {
	Kind         ResultKind      `json:"kind"`
	Questions    []task.Question `json:"questions,omitempty"`
	Plan         string          `json:"plan,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	CommitSHA    string          `json:"commit_sha,omitempty"`
	ChangedFiles []string        `json:"changed_files,omitempty"`
}

// Executor provisions, runs, and releases per-task sandboxes.
//
// Provision must be idempotent keyed by task ID: provisioning a task that
// already has a sandbox returns the existing handle without allocating a
// second one. This is what makes at-least-once replay of the provisioning
// step safe.
type Executor interface {
	Provision(ctx context.Context, t *task.Task) (Handle, error)
	Run(ctx context.Context, h Handle, ins Instructions) (*RunResult, error)
	FetchLogs(ctx context.Context, h Handle, tail int) (string, error)
	Teardown(ctx context.Context, h Handle) error
}
