package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/forgeops/foreman/internal/ci"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/task"
)

// TestTransitions_TerminalStatesAreSticky verifies that no generated
// transition leaves a terminal state, except the explicit retry edge from
// failed back to pending.
func TestTransitions_TerminalStatesAreSticky(t *testing.T) {
	statuses := []task.Status{
		task.StatusPending, task.StatusPlanning, task.StatusWaitingQuestions,
		task.StatusWaitingPlanReview, task.StatusReadyToImplement,
		task.StatusImplementing, task.StatusUnderReview,
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}

	rapid.Check(t, func(rt *rapid.T) {
		from := rapid.SampledFrom(statuses).Draw(rt, "from")
		to := rapid.SampledFrom(statuses).Draw(rt, "to")

		if from.IsTerminal() && task.CanTransition(from, to) {
			if !(from == task.StatusFailed && to == task.StatusPending) {
				rt.Fatalf("terminal state %s allows transition to %s", from, to)
			}
		}
	})
}

// TestLifecycle_RandomWalk drives full task lifecycles with randomized
// question rounds, plan decisions, and CI outcomes, and checks the
// invariants that must hold regardless of the path taken:
//   - at most one pending blocking item exists at any waiting state
//   - fix runs never exceed the configured budget
//   - terminal entry always tears down the sandbox
//   - the final state is exactly what the decisions dictate
func TestLifecycle_RandomWalk(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t)

		questionRounds := rapid.IntRange(0, 2).Draw(rt, "question_rounds")
		reviseRounds := rapid.IntRange(0, 2).Draw(rt, "revise_rounds")
		cancelAtReview := rapid.Bool().Draw(rt, "cancel_at_review")
		maxFix := rapid.IntRange(1, 5).Draw(rt, "max_fix_attempts")
		ciFails := rapid.IntRange(0, 7).Draw(rt, "ci_failures")

		// Script the planner: question batches first, then a plan for the
		// initial review and each revision round.
		for i := 0; i < questionRounds; i++ {
			h.exec.planResults = append(h.exec.planResults, &sandbox.RunResult{
				Kind: sandbox.ResultQuestions,
				Questions: []task.Question{
					{ID: fmt.Sprintf("q%d-1", i), Text: "first?"},
					{ID: fmt.Sprintf("q%d-2", i), Text: "second?"},
				},
			})
		}
		for i := 0; i <= reviseRounds; i++ {
			h.exec.planResults = append(h.exec.planResults, &sandbox.RunResult{
				Kind: sandbox.ResultPlan, Plan: fmt.Sprintf("plan v%d", i+1),
			})
		}

		for i := 0; i < ciFails; i++ {
			h.ci.sequence = append(h.ci.sequence, ci.StatusFailed)
		}
		h.ci.sequence = append(h.ci.sequence, ci.StatusPassed)

		created, err := h.o.Submit(context.Background(), &task.Task{
			Description:    "randomized walk",
			RepoURL:        "https://github.com/forgeops/widget",
			MaxFixAttempts: maxFix,
		})
		if err != nil {
			rt.Fatalf("Submit failed: %v", err)
		}

		for i := 0; i < questionRounds; i++ {
			got := h.waitFor(t, created.ID, task.StatusWaitingQuestions)
			h.assertSingleBlockingItem(t, rt, created.ID)
			answers := make(map[string]any, len(got.Questions))
			for _, q := range got.Questions {
				answers[q.ID] = "answered"
			}
			h.respondBlocking(t, created.ID, map[string]any{"answers": answers})
		}

		for i := 0; i < reviseRounds; i++ {
			h.waitFor(t, created.ID, task.StatusWaitingPlanReview)
			h.assertSingleBlockingItem(t, rt, created.ID)
			h.respondBlocking(t, created.ID, map[string]any{"action": "revise", "feedback": "again"})
			// The revision lands as a fresh review item.
			h.waitUntil(t, "revised plan", func() bool {
				got, err := h.store.GetTask(created.ID)
				return err == nil && got.Status == task.StatusWaitingPlanReview &&
					got.Plan == fmt.Sprintf("plan v%d", i+2)
			})
		}

		h.waitFor(t, created.ID, task.StatusWaitingPlanReview)
		h.assertSingleBlockingItem(t, rt, created.ID)

		if cancelAtReview {
			h.respondBlocking(t, created.ID, map[string]any{"action": "cancel"})
			got := h.waitFor(t, created.ID, task.StatusCancelled)
			if got.CompletedAt == nil {
				rt.Fatal("cancelled task has no completion time")
			}
			h.assertTornDown(rt, created.ID)
			return
		}

		h.respondBlocking(t, created.ID, map[string]any{"action": "approve"})
		h.waitFor(t, created.ID, task.StatusReadyToImplement)
		if err := h.o.StartImplementation(context.Background(), created.ID); err != nil {
			rt.Fatalf("StartImplementation failed: %v", err)
		}

		wantFixes := ciFails
		if wantFixes > maxFix {
			wantFixes = maxFix
		}

		if ciFails > maxFix {
			got := h.waitFor(t, created.ID, task.StatusFailed)
			if got.Error == "" {
				rt.Fatal("failed task has empty error")
			}
			if got.FixAttempts != maxFix {
				rt.Fatalf("failed with %d fix attempts, want %d", got.FixAttempts, maxFix)
			}
			h.assertTornDown(rt, created.ID)
		} else {
			got := h.waitFor(t, created.ID, task.StatusUnderReview)
			if got.FixAttempts != wantFixes {
				rt.Fatalf("under review with %d fix attempts, want %d", got.FixAttempts, wantFixes)
			}
		}

		_, _, fixCalls, _, _ := h.exec.counts()
		if fixCalls != wantFixes {
			rt.Fatalf("executor fix path ran %d times, want %d", fixCalls, wantFixes)
		}
	})
}

func (h *harness) assertSingleBlockingItem(t *testing.T, rt *rapid.T, taskID string) {
	h.blockingItem(t, taskID)
	items, err := h.queue.List("", taskID)
	if err != nil {
		rt.Fatalf("List failed: %v", err)
	}
	blocking := 0
	for _, it := range items {
		if it.Kind.Blocking() && it.Status == "pending" {
			blocking++
		}
	}
	if blocking != 1 {
		rt.Fatalf("expected exactly one pending blocking item, got %d", blocking)
	}
}

func (h *harness) assertTornDown(rt *rapid.T, taskID string) {
	h.exec.mu.Lock()
	down := h.exec.tornDown[sandbox.Handle(taskID)]
	h.exec.mu.Unlock()
	if !down {
		rt.Fatalf("sandbox for %s not torn down on terminal entry", taskID)
	}
}
