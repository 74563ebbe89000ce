// Package task defines the task model and its lifecycle state machine.
// The orchestrator is the only writer of task state; all other components
// request transitions and re-read persisted state.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	// StatusPending means the task has been created but planning has not started.
	StatusPending Status = "pending"

	// StatusPlanning means the worker is producing (or revising) a plan.
	StatusPlanning Status = "planning"

	// StatusWaitingQuestions means the planner asked questions and the task
	// is blocked on a human answering the batch.
	StatusWaitingQuestions Status = "waiting_questions"

	// StatusWaitingPlanReview means a plan is ready and the task is blocked
	// on a human approving or revising it.
	StatusWaitingPlanReview Status = "waiting_plan_review"

	// StatusReadyToImplement means the plan was approved.
	StatusReadyToImplement Status = "ready_to_implement"

	// StatusImplementing means the worker is implementing and the
	// verification loop is running.
	StatusImplementing Status = "implementing"

	// StatusUnderReview means verification passed and the change-set awaits
	// terminal human review.
	StatusUnderReview Status = "under_review"

	// StatusCompleted is terminal: the reviewed result was accepted.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal: the task failed with an error.
	StatusFailed Status = "failed"

	// StatusCancelled is terminal: the task was cancelled by a human.
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status admits no further automatic transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions is the single transition table for the task state machine.
// Cancellation and fatal errors are handled separately: both are accepted
// from any non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:           {StatusPlanning},
	StatusPlanning:          {StatusWaitingQuestions, StatusWaitingPlanReview},
	StatusWaitingQuestions:  {StatusPlanning},
	StatusWaitingPlanReview: {StatusReadyToImplement, StatusPlanning},
	StatusReadyToImplement:  {StatusImplementing},
	StatusImplementing:      {StatusImplementing, StatusUnderReview, StatusFailed},
	StatusUnderReview:       {StatusCompleted},
	StatusCompleted:         {},
	StatusFailed:            {StatusPending}, // explicit retry only
	StatusCancelled:         {},
}

// CanTransition reports whether moving from one status to another is allowed
// by the transition table. Transitions to failed and cancelled are allowed
// from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		// The only way out of a terminal state is retry: failed -> pending.
		return from == StatusFailed && to == StatusPending
	}
	if to == StatusCancelled || to == StatusFailed {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Question is a single clarifying question asked by the planner.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Task is one orchestrated unit of plan, implement and verify work.
type Task struct {
	ID          string `json:"id"`
	TaskType    string `json:"task_type"`
	Description string `json:"description"`
	RepoURL     string `json:"repo_url"`
	BranchName  string `json:"branch_name"`
	BaseBranch  string `json:"base_branch"`
	Model       string `json:"model,omitempty"`

	Status Status `json:"status"`

	// State-specific payload. Plan holds the current plan text while the
	// task is in or past waiting_plan_review. Questions holds the pending
	// batch while in waiting_questions. Answers holds the accepted answers
	// keyed by question ID. PlanFeedback holds revision feedback.
	Plan         string            `json:"plan,omitempty"`
	Questions    []Question        `json:"questions,omitempty"`
	Answers      map[string]string `json:"answers,omitempty"`
	PlanFeedback string            `json:"plan_feedback,omitempty"`

	// Provenance links to the external planning record and change-set.
	IssueURL    string `json:"issue_url,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	PRNumber    int    `json:"pr_number,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`

	// FixAttempts counts verification fix attempts consumed.
	FixAttempts    int `json:"fix_attempts"`
	MaxFixAttempts int `json:"max_fix_attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// At most one of Result and Error is populated once terminal.
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// HasPendingQuestions reports whether the task carries an unanswered batch.
func (t *Task) HasPendingQuestions() bool {
	return t.Status == StatusWaitingQuestions && len(t.Questions) > 0
}

// AnswersComplete reports whether answers covers every pending question ID.
func (t *Task) AnswersComplete(answers map[string]string) bool {
	for _, q := range t.Questions {
		if _, ok := answers[q.ID]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the task, safe to hand across goroutines.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Questions != nil {
		cp.Questions = make([]Question, len(t.Questions))
		copy(cp.Questions, t.Questions)
	}
	if t.Answers != nil {
		cp.Answers = make(map[string]string, len(t.Answers))
		for k, v := range t.Answers {
			cp.Answers[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
