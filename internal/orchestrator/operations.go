package orchestrator

import (
	"context"
	"fmt"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/store"
	"github.com/forgeops/foreman/internal/task"
)

// SubmitAnswers folds a complete answer batch back into planning.
// Implements inbox.Handler.
func (o *Orchestrator) SubmitAnswers(ctx context.Context, taskID string, answers map[string]string) error {
	t, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if t.Status != task.StatusWaitingQuestions {
		return fmt.Errorf("%w: task %s is %s, not waiting for answers", errors.ErrConflict, taskID, t.Status)
	}
	if !t.AnswersComplete(answers) {
		return fmt.Errorf("%w: every question in the batch needs an answer", errors.ErrIncompleteAnswers)
	}

	_, err = o.transition(taskID, task.StatusWaitingQuestions, task.StatusPlanning, func(t *task.Task) {
		if t.Answers == nil {
			t.Answers = make(map[string]string, len(answers))
		}
		for id, text := range answers {
			t.Answers[id] = text
		}
		t.Questions = nil
	})
	if err != nil {
		return err
	}

	o.spawn(func() { o.runPlanning(taskID) })
	return nil
}

// ResolvePlanReview applies a plan review decision. Implements
// inbox.Handler.
func (o *Orchestrator) ResolvePlanReview(ctx context.Context, taskID string, action inbox.PlanAction, feedback string) error {
	switch action {
	case inbox.PlanApprove:
		_, err := o.transition(taskID, task.StatusWaitingPlanReview, task.StatusReadyToImplement, nil)
		return err

	case inbox.PlanRevise:
		_, err := o.transition(taskID, task.StatusWaitingPlanReview, task.StatusPlanning, func(t *task.Task) {
			t.PlanFeedback = feedback
		})
		if err != nil {
			return err
		}
		o.spawn(func() { o.runPlanning(taskID) })
		return nil

	case inbox.PlanCancel:
		return o.Cancel(ctx, taskID)

	default:
		return fmt.Errorf("%w: unknown plan action %q", errors.ErrInvalidResponse, action)
	}
}

// StartImplementation moves an approved task into the implement-and-verify
// loop.
func (o *Orchestrator) StartImplementation(ctx context.Context, taskID string) error {
	_, err := o.transition(taskID, task.StatusReadyToImplement, task.StatusImplementing, nil)
	if err != nil {
		return err
	}
	o.spawn(func() { o.runImplementation(taskID) })
	return nil
}

// ApproveReview accepts a verified change-set and completes the task.
func (o *Orchestrator) ApproveReview(ctx context.Context, taskID string) error {
	t, err := o.transition(taskID, task.StatusUnderReview, task.StatusCompleted, func(t *task.Task) {
		if t.Result == nil {
			t.Result = make(map[string]any)
		}
		t.Result["pr_url"] = t.PRURL
		t.Result["commit_sha"] = t.CommitSHA
		t.Result["fix_attempts"] = t.FixAttempts
	})
	if err != nil {
		return err
	}

	o.teardown(taskID)
	if err := o.reviews.ClosePlanRecord(ctx, t); err != nil {
		o.logger.WithTask(taskID).Warn("failed to close plan record", "error", err)
	}
	if _, err := o.queue.Notify(taskID, "Task completed", t.PRURL); err != nil {
		o.logger.WithTask(taskID).Warn("failed to file completion notice", "error", err)
	}
	return nil
}

// Cancel aborts a task from any non-terminal state. Once persisted, every
// in-flight poll or run re-checks state and discards its result.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	l := o.lock(taskID)
	l.Lock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		l.Unlock()
		return err
	}
	if t.Status.IsTerminal() {
		l.Unlock()
		return fmt.Errorf("%w: task %s is already %s", errors.ErrTaskTerminal, taskID, t.Status)
	}

	from := t.Status
	t.Status = task.StatusCancelled
	now := nowUTC()
	t.CompletedAt = &now
	if err := o.store.SaveTask(t, from); err != nil {
		l.Unlock()
		return err
	}
	o.bus.Publish(event.NewTaskUpdatedEvent(t.ID, t.Status))
	l.Unlock()

	// A pending blocking item for a cancelled task can never be answered;
	// expire it so it stops demanding attention.
	if item, err := o.queue.PendingBlockingItem(taskID); err == nil && item != nil {
		if err := o.queue.Expire(item.ID); err != nil {
			o.logger.WithTask(taskID).Warn("failed to expire blocking item", "item_id", item.ID, "error", err)
		}
	}

	o.teardown(taskID)
	o.logger.WithTask(taskID).Info("task cancelled", "was", string(from))
	return nil
}

// Retry resets a failed task to pending and re-drives it from planning.
func (o *Orchestrator) Retry(ctx context.Context, taskID string) error {
	_, err := o.transition(taskID, task.StatusFailed, task.StatusPending, func(t *task.Task) {
		t.Error = ""
		t.FixAttempts = 0
		t.CompletedAt = nil
	})
	if err != nil {
		return err
	}

	o.spawn(func() { o.runPlanning(taskID) })
	o.logger.WithTask(taskID).Info("task retried")
	return nil
}

// fail moves a task to failed from whatever non-terminal state it is in,
// records the error, and runs the terminal side effects.
func (o *Orchestrator) fail(taskID string, cause error) {
	l := o.lock(taskID)
	l.Lock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		l.Unlock()
		o.logger.WithTask(taskID).Error("cannot fail missing task", "error", err)
		return
	}
	if t.Status.IsTerminal() {
		l.Unlock()
		return
	}

	from := t.Status
	t.Status = task.StatusFailed
	t.Error = cause.Error()
	now := nowUTC()
	t.CompletedAt = &now
	if err := o.store.SaveTask(t, from); err != nil {
		l.Unlock()
		o.logger.WithTask(taskID).Error("failed to persist failure", "error", err)
		return
	}
	o.bus.Publish(event.NewTaskUpdatedEvent(t.ID, t.Status))
	o.bus.Publish(event.NewTaskFailedEvent(t.ID, t.Error))
	l.Unlock()

	o.teardown(taskID)
	if _, err := o.queue.ReportError(taskID, "Task failed", cause.Error()); err != nil {
		o.logger.WithTask(taskID).Warn("failed to file error item", "error", err)
	}
	o.logger.WithTask(taskID).Error("task failed", "was", string(from), "error", cause)
}

// teardown releases the task's sandbox. It runs on every terminal entry
// and must succeed for retry to re-provision cleanly, so failures are
// retried once and then surfaced loudly.
func (o *Orchestrator) teardown(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	handle := sandbox.Handle(taskID)
	if ref, err := o.store.GetRef(taskID, store.RefExecutor); err == nil && ref != "" {
		handle = sandbox.Handle(ref)
	}

	err := o.executor.Teardown(ctx, handle)
	if err != nil {
		err = o.executor.Teardown(ctx, handle)
	}
	if err != nil {
		o.logger.WithTask(taskID).Error("sandbox teardown failed", "error", err)
		return
	}

	if err := o.store.DeleteRef(taskID, store.RefExecutor); err != nil {
		o.logger.WithTask(taskID).Warn("failed to clear executor ref", "error", err)
	}
	o.bus.Publish(event.NewExecutorTornDownEvent(taskID, string(handle)))
}
