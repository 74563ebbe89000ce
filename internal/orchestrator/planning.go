package orchestrator

import (
	"fmt"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/store"
	"github.com/forgeops/foreman/internal/task"
)

const teardownTimeout = 30 * time.Second

func nowUTC() time.Time {
	return time.Now().UTC()
}

// runPlanning drives a task from pending through a planning run and into
// the next waiting state. It is also the re-entry point after answers are
// folded in or a revision is requested.
func (o *Orchestrator) runPlanning(taskID string) {
	t, err := o.store.GetTask(taskID)
	if err != nil {
		o.logger.WithTask(taskID).Error("cannot load task for planning", "error", err)
		return
	}

	switch t.Status {
	case task.StatusPending:
		if t, err = o.transition(taskID, task.StatusPending, task.StatusPlanning, nil); err != nil {
			o.logger.WithTask(taskID).Warn("planning start lost a race", "error", err)
			return
		}
	case task.StatusPlanning:
		// Resume or re-entry after answers/feedback.
	default:
		o.logger.WithTask(taskID).Debug("skipping planning run", "status", string(t.Status))
		return
	}

	o.resumePlanning(taskID)
}

// resumePlanning runs one planning round for a task already in planning.
func (o *Orchestrator) resumePlanning(taskID string) {
	log := o.logger.WithPhase("planning").WithTask(taskID)

	t, err := o.store.GetTask(taskID)
	if err != nil {
		log.Error("cannot load task", "error", err)
		return
	}
	if t.Status != task.StatusPlanning {
		log.Debug("task moved on before planning ran", "status", string(t.Status))
		return
	}

	handle, err := o.provisionSandbox(t)
	if err != nil {
		o.fail(taskID, err)
		return
	}

	ins := sandbox.Instructions{
		Phase:       sandbox.PhasePlan,
		Description: t.Description,
		Plan:        t.Plan,
		Answers:     t.Answers,
		Feedback:    t.PlanFeedback,
	}

	var result *sandbox.RunResult
	err = o.withRetry("planning run", taskID, func() error {
		var runErr error
		result, runErr = o.executor.Run(o.ctx, handle, ins)
		if errors.Is(runErr, errors.ErrRunTimeout) {
			// A stuck planner is infra trouble, not a fix attempt.
			return errors.NewTransientError("planning run", runErr)
		}
		return runErr
	})
	if err != nil {
		o.fail(taskID, err)
		return
	}

	// The human may have cancelled while the worker ran; the transition
	// guard discards the result in that case.
	switch result.Kind {
	case sandbox.ResultQuestions:
		if len(result.Questions) == 0 {
			o.fail(taskID, errors.NewFatalError("planning", fmt.Errorf("worker asked zero questions")))
			return
		}
		t, err = o.transition(taskID, task.StatusPlanning, task.StatusWaitingQuestions, func(t *task.Task) {
			t.Questions = result.Questions
		})
		if err != nil {
			log.Warn("discarding question batch", "error", err)
			return
		}
		if _, err := o.queue.CreateQuestionItem(t); err != nil {
			log.Error("failed to file question item", "error", err)
		}

	case sandbox.ResultPlan:
		t, err = o.transition(taskID, task.StatusPlanning, task.StatusWaitingPlanReview, func(t *task.Task) {
			t.Plan = result.Plan
			t.PlanFeedback = ""
		})
		if err != nil {
			log.Warn("discarding produced plan", "error", err)
			return
		}
		if _, err := o.queue.CreatePlanReviewItem(t); err != nil {
			log.Error("failed to file plan review item", "error", err)
		}

	default:
		o.fail(taskID, errors.NewFatalError("planning",
			fmt.Errorf("worker returned %q from a planning run", result.Kind)))
	}
}

// provisionSandbox provisions the task's sandbox and returns its handle.
// Provision is idempotent keyed by task ID, so it runs on every driver
// pass: after a process restart this re-opens the same sandbox rather than
// replaying a persisted handle the new executor has never seen. The ref is
// written before the handle is used so teardown can find it after a crash.
func (o *Orchestrator) provisionSandbox(t *task.Task) (sandbox.Handle, error) {
	var handle sandbox.Handle
	err := o.withRetry("provision sandbox", t.ID, func() error {
		var provErr error
		handle, provErr = o.executor.Provision(o.ctx, t)
		return provErr
	})
	if err != nil {
		return "", err
	}
	if err := o.store.PutRef(t.ID, store.RefExecutor, string(handle)); err != nil {
		return "", err
	}
	return handle, nil
}

// withRetry runs fn, retrying transient failures with doubling backoff up
// to the configured attempt budget. Non-retryable errors return at once.
func (o *Orchestrator) withRetry(op, taskID string, fn func() error) error {
	backoff := o.cfg.Retry.Backoff()
	var err error
	for attempt := 1; attempt <= o.cfg.Retry.MaxAttempts; attempt++ {
		if err = fn(); err == nil || !errors.IsRetryable(err) {
			return err
		}
		o.logger.WithTask(taskID).Warn("transient failure",
			"op", op, "attempt", attempt, "max", o.cfg.Retry.MaxAttempts, "error", err)
		if attempt == o.cfg.Retry.MaxAttempts {
			break
		}
		if sleepErr := o.sleep(o.ctx, backoff); sleepErr != nil {
			return fmt.Errorf("%s interrupted: %w", op, sleepErr)
		}
		backoff *= 2
	}
	return fmt.Errorf("%s exhausted %d attempts: %w", op, o.cfg.Retry.MaxAttempts, err)
}
