package orchestrator

import (
	"fmt"
	"time"

	"github.com/forgeops/foreman/internal/ci"
	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/review"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/store"
	"github.com/forgeops/foreman/internal/task"
)

// runImplementation drives a task through the implement-and-verify loop:
// one implementation run, submission of the change request, then CI
// polling with bounded fix attempts.
func (o *Orchestrator) runImplementation(taskID string) {
	log := o.logger.WithPhase("implement").WithTask(taskID)

	t, err := o.store.GetTask(taskID)
	if err != nil {
		log.Error("cannot load task", "error", err)
		return
	}
	if t.Status != task.StatusImplementing {
		log.Debug("task moved on before implementation ran", "status", string(t.Status))
		return
	}

	handle, err := o.provisionSandbox(t)
	if err != nil {
		o.fail(taskID, err)
		return
	}

	var changedFiles []string

	// First run, or a crash before the commit landed in the store. The
	// worker commits to the task branch, so replaying is safe.
	if t.CommitSHA == "" {
		result, err := o.runWorker(handle, sandbox.Instructions{
			Phase:       sandbox.PhaseImplement,
			Description: t.Description,
			Plan:        t.Plan,
			Answers:     t.Answers,
		})
		if err != nil {
			o.fail(taskID, err)
			return
		}
		changedFiles = result.ChangedFiles

		t, err = o.save(taskID, task.StatusImplementing, func(t *task.Task) {
			t.CommitSHA = result.CommitSHA
		})
		if err != nil {
			log.Warn("discarding implementation result", "error", err)
			return
		}
	}

	if err := o.ensurePlanRecord(t); err != nil {
		o.fail(taskID, err)
		return
	}
	t, err = o.store.GetTask(taskID)
	if err != nil {
		log.Error("cannot reload task", "error", err)
		return
	}

	created, err := o.ensureChangeRequest(t)
	if err != nil {
		o.fail(taskID, err)
		return
	}
	t, err = o.store.GetTask(taskID)
	if err != nil {
		log.Error("cannot reload task", "error", err)
		return
	}

	suggestion := o.router.Suggest(changedFiles)
	if created {
		if _, err := o.queue.CreateRoutingSuggestion(t, suggestion.Reviewers, suggestion.Matched); err != nil {
			log.Warn("failed to file routing suggestion", "error", err)
		}
	}

	o.verifyLoop(taskID, handle, suggestion.Reviewers)
}

// ensurePlanRecord files the tracking record for the approved plan once.
// The persisted ref is the replay guard.
func (o *Orchestrator) ensurePlanRecord(t *task.Task) error {
	if ref, err := o.store.GetRef(t.ID, store.RefPlanRecord); err == nil && ref != "" {
		return nil
	}

	var record *review.PlanRecord
	err := o.withRetry("create plan record", t.ID, func() error {
		var createErr error
		record, createErr = o.reviews.CreatePlanRecord(o.ctx, t)
		return createErr
	})
	if err != nil {
		return err
	}

	if err := o.store.PutRef(t.ID, store.RefPlanRecord, record.URL); err != nil {
		return err
	}
	_, err = o.save(t.ID, task.StatusImplementing, func(t *task.Task) {
		t.IssueURL = record.URL
		t.IssueNumber = record.Number
	})
	return err
}

// ensureChangeRequest submits the change request once; returns whether it
// was created on this call.
func (o *Orchestrator) ensureChangeRequest(t *task.Task) (bool, error) {
	if ref, err := o.store.GetRef(t.ID, store.RefChangeRequest); err == nil && ref != "" && t.PRURL != "" {
		return false, nil
	}

	var cr *review.ChangeRequest
	err := o.withRetry("create change request", t.ID, func() error {
		var createErr error
		cr, createErr = o.reviews.CreateChangeRequest(o.ctx, t)
		return createErr
	})
	if err != nil {
		return false, err
	}

	if err := o.store.PutRef(t.ID, store.RefChangeRequest, cr.URL); err != nil {
		return false, err
	}
	_, err = o.save(t.ID, task.StatusImplementing, func(t *task.Task) {
		t.PRURL = cr.URL
		t.PRNumber = cr.Number
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// verifyLoop polls CI and spends fix attempts until the checks pass, the
// budget runs out, or the task is no longer implementing.
func (o *Orchestrator) verifyLoop(taskID string, handle sandbox.Handle, reviewers []string) {
	log := o.logger.WithPhase("verify").WithTask(taskID)

	for {
		t, err := o.store.GetTask(taskID)
		if err != nil {
			log.Error("cannot load task", "error", err)
			return
		}
		if t.Status != task.StatusImplementing {
			log.Debug("abandoning verification", "status", string(t.Status))
			return
		}

		status, err := o.pollChecks(t)
		if err != nil {
			o.fail(taskID, err)
			return
		}

		switch status {
		case ci.StatusPassed:
			o.finishVerification(taskID, reviewers)
			return

		case ci.StatusFailed:
			if done := o.spendFixAttempt(taskID, handle); done {
				return
			}
		}
	}
}

// pollChecks polls CI at the configured interval until the result is
// decisive or the poll timeout elapses. A timeout of 0 polls indefinitely.
func (o *Orchestrator) pollChecks(t *task.Task) (ci.Status, error) {
	interval := o.cfg.Verify.PollInterval()
	timeout := o.cfg.Verify.PollTimeout()
	deadline := time.Now().Add(timeout)

	for {
		var status ci.Status
		err := o.withRetry("check status", t.ID, func() error {
			var checkErr error
			status, checkErr = o.checks.CheckStatus(o.ctx, t)
			return checkErr
		})
		if err != nil {
			return "", err
		}
		if status != ci.StatusPending {
			return status, nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			return "", errors.NewTimeoutError("verification polling", timeout)
		}
		if err := o.sleep(o.ctx, interval); err != nil {
			return "", fmt.Errorf("verification interrupted: %w", err)
		}
	}
}

// spendFixAttempt consumes one fix attempt against a failing check round.
// Returns true when the loop should stop (budget exhausted, task moved on,
// or the fix run itself failed fatally).
func (o *Orchestrator) spendFixAttempt(taskID string, handle sandbox.Handle) bool {
	log := o.logger.WithPhase("verify").WithTask(taskID)

	t, err := o.store.GetTask(taskID)
	if err != nil {
		log.Error("cannot load task", "error", err)
		return true
	}
	if t.Status != task.StatusImplementing {
		return true
	}

	detail, err := o.checks.FetchFailureDetail(o.ctx, t)
	if err != nil {
		log.Warn("could not fetch failure detail", "error", err)
		detail = "checks failed; no diagnostic detail available"
	}

	if t.FixAttempts >= t.MaxFixAttempts {
		o.fail(taskID, fmt.Errorf("verification failed after %d fix attempts: %s", t.FixAttempts, detail))
		return true
	}

	// The attempt is persisted before the fix runs, so a crash mid-run
	// replays as the same attempt instead of minting an extra one.
	t, err = o.save(taskID, task.StatusImplementing, func(t *task.Task) {
		t.FixAttempts++
	})
	if err != nil {
		log.Warn("abandoning fix attempt", "error", err)
		return true
	}
	o.bus.Publish(event.NewVerificationAttemptEvent(taskID, t.FixAttempts, t.MaxFixAttempts, detail))
	log.Info("running fix attempt", "attempt", t.FixAttempts, "max", t.MaxFixAttempts)

	result, err := o.runWorker(handle, sandbox.Instructions{
		Phase:       sandbox.PhaseFix,
		Description: t.Description,
		Plan:        t.Plan,
		Diagnostics: detail,
	})
	if errors.Is(err, errors.ErrRunTimeout) {
		// The attempt is already spent; the next round spends another
		// until the budget runs out.
		log.Warn("fix run timed out", "attempt", t.FixAttempts)
		return false
	}
	if err != nil {
		o.fail(taskID, err)
		return true
	}

	if _, err := o.save(taskID, task.StatusImplementing, func(t *task.Task) {
		if result.CommitSHA != "" {
			t.CommitSHA = result.CommitSHA
		}
	}); err != nil {
		log.Warn("discarding fix result", "error", err)
		return true
	}
	return false
}

// finishVerification promotes a passing change-set to human review.
func (o *Orchestrator) finishVerification(taskID string, reviewers []string) {
	log := o.logger.WithPhase("verify").WithTask(taskID)

	t, err := o.transition(taskID, task.StatusImplementing, task.StatusUnderReview, nil)
	if err != nil {
		log.Warn("discarding verification pass", "error", err)
		return
	}
	o.bus.Publish(event.NewVerificationPassedEvent(taskID, t.FixAttempts))

	if err := o.reviews.MarkReadyForReview(o.ctx, t, reviewers); err != nil {
		log.Warn("failed to mark ready for review", "error", err)
	}
	if _, err := o.queue.CreateReviewItem(t); err != nil {
		log.Warn("failed to file review item", "error", err)
	}
	log.Info("verification passed", "fix_attempts", t.FixAttempts)
}

// runWorker runs the executor with transient-failure retry. A run timeout
// during implementation is not retried as infra trouble: the attempt was
// consumed, so it surfaces directly.
func (o *Orchestrator) runWorker(handle sandbox.Handle, ins sandbox.Instructions) (*sandbox.RunResult, error) {
	var result *sandbox.RunResult
	err := o.withRetry("worker run", string(handle), func() error {
		var runErr error
		result, runErr = o.executor.Run(o.ctx, handle, ins)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	if result.Kind != sandbox.ResultChanges {
		return nil, errors.NewFatalError("worker run",
			fmt.Errorf("expected changes from a %s run, got %q", ins.Phase, result.Kind))
	}
	return result, nil
}
