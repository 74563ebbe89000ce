package inbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/store"
	"github.com/forgeops/foreman/internal/task"
)

type fakeHandler struct {
	answers      map[string]string
	answersErr   error
	planAction   inbox.PlanAction
	planFeedback string
	planErr      error
}

func (f *fakeHandler) SubmitAnswers(ctx context.Context, taskID string, answers map[string]string) error {
	if f.answersErr != nil {
		return f.answersErr
	}
	f.answers = answers
	return nil
}

func (f *fakeHandler) ResolvePlanReview(ctx context.Context, taskID string, action inbox.PlanAction, feedback string) error {
	if f.planErr != nil {
		return f.planErr
	}
	f.planAction = action
	f.planFeedback = feedback
	return nil
}

func newTestCoordinator(t *testing.T) (*inbox.Coordinator, *fakeHandler, *event.Bus) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	bus := event.NewBus()
	c := inbox.NewCoordinator(s, bus, logging.NopLogger())
	h := &fakeHandler{}
	c.SetHandler(h)
	return c, h, bus
}

func questionTask() *task.Task {
	return &task.Task{
		ID:     "task-q1",
		Status: task.StatusWaitingQuestions,
		Questions: []task.Question{
			{ID: "q1", Text: "Which database?"},
			{ID: "q2", Text: "Breaking change acceptable?"},
		},
	}
}

func TestCoordinator_CreateQuestionItemBatches(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	item, err := c.CreateQuestionItem(questionTask())
	if err != nil {
		t.Fatal(err)
	}
	if item.Kind != inbox.KindQuestion {
		t.Errorf("Expected question kind, got %s", item.Kind)
	}
	if item.Status != inbox.StatusPending {
		t.Errorf("Expected pending status, got %s", item.Status)
	}

	// Both questions ride a single item.
	items, err := c.List(inbox.StatusPending, "task-q1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected one batched item, got %d", len(items))
	}
}

func TestCoordinator_RespondQuestion(t *testing.T) {
	c, h, _ := newTestCoordinator(t)

	item, err := c.CreateQuestionItem(questionTask())
	if err != nil {
		t.Fatal(err)
	}

	response := map[string]any{"answers": map[string]any{"q1": "postgres", "q2": "yes"}}
	if err := c.Respond(context.Background(), item.ID, response); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	if h.answers["q1"] != "postgres" || h.answers["q2"] != "yes" {
		t.Errorf("Handler did not receive answers: %v", h.answers)
	}

	got, err := c.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != inbox.StatusResponded {
		t.Errorf("Expected responded status, got %s", got.Status)
	}
}

func TestCoordinator_RespondQuestionIncomplete(t *testing.T) {
	c, h, _ := newTestCoordinator(t)
	h.answersErr = errors.ErrIncompleteAnswers

	item, err := c.CreateQuestionItem(questionTask())
	if err != nil {
		t.Fatal(err)
	}

	response := map[string]any{"answers": map[string]any{"q1": "postgres"}}
	err = c.Respond(context.Background(), item.ID, response)
	if !errors.Is(err, errors.ErrIncompleteAnswers) {
		t.Fatalf("Expected ErrIncompleteAnswers, got %v", err)
	}

	// A failed effect leaves the item answerable.
	got, _ := c.Get(item.ID)
	if got.Status != inbox.StatusPending {
		t.Errorf("Item should stay pending after failed effect, got %s", got.Status)
	}
}

func TestCoordinator_RespondMalformedAnswers(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	item, err := c.CreateQuestionItem(questionTask())
	if err != nil {
		t.Fatal(err)
	}

	err = c.Respond(context.Background(), item.ID, map[string]any{"answers": "not a map"})
	if !errors.Is(err, errors.ErrInvalidResponse) {
		t.Errorf("Expected ErrInvalidResponse, got %v", err)
	}
}

func TestCoordinator_RespondPlan(t *testing.T) {
	c, h, _ := newTestCoordinator(t)

	tk := &task.Task{ID: "task-p1", Plan: "1. do it"}
	item, err := c.CreatePlanReviewItem(tk)
	if err != nil {
		t.Fatal(err)
	}

	err = c.Respond(context.Background(), item.ID, map[string]any{"action": "revise", "feedback": "split step 1"})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if h.planAction != inbox.PlanRevise || h.planFeedback != "split step 1" {
		t.Errorf("Handler got %s/%q", h.planAction, h.planFeedback)
	}
}

func TestCoordinator_RespondPlanValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	tk := &task.Task{ID: "task-p2", Plan: "plan"}
	item, err := c.CreatePlanReviewItem(tk)
	if err != nil {
		t.Fatal(err)
	}

	tests := []map[string]any{
		{"action": "ship-it"},
		{"action": "revise"},
		{},
	}
	for _, response := range tests {
		if err := c.Respond(context.Background(), item.ID, response); !errors.Is(err, errors.ErrInvalidResponse) {
			t.Errorf("Respond(%v): expected ErrInvalidResponse, got %v", response, err)
		}
	}
}

func TestCoordinator_RespondTwiceConflicts(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	item, err := c.CreateQuestionItem(questionTask())
	if err != nil {
		t.Fatal(err)
	}

	response := map[string]any{"answers": map[string]any{"q1": "a", "q2": "b"}}
	if err := c.Respond(context.Background(), item.ID, response); err != nil {
		t.Fatal(err)
	}

	err = c.Respond(context.Background(), item.ID, response)
	if !errors.IsConflict(err) {
		t.Errorf("Expected conflict on double respond, got %v", err)
	}
}

func TestCoordinator_UnreadAndMarkRead(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	item, err := c.Notify("task-n1", "heads up", "something happened")
	if err != nil {
		t.Fatal(err)
	}

	count, err := c.UnreadCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected 1 unread, got %d", count)
	}

	if err := c.MarkRead(item.ID); err != nil {
		t.Fatal(err)
	}
	count, _ = c.UnreadCount()
	if count != 0 {
		t.Errorf("Expected 0 unread after read, got %d", count)
	}
}

func TestCoordinator_InboxUpdatedEvents(t *testing.T) {
	c, _, bus := newTestCoordinator(t)

	var got []event.InboxUpdatedEvent
	bus.Subscribe("inbox.updated", func(e event.Event) {
		got = append(got, e.(event.InboxUpdatedEvent))
	})

	item, err := c.Notify("task-e1", "title", "content")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 inbox.updated event, got %d", len(got))
	}
	if got[0].ItemID != item.ID {
		t.Errorf("Event references wrong item: %s", got[0].ItemID)
	}
	if got[0].UnreadCount != 1 {
		t.Errorf("Expected unread count 1 in event, got %d", got[0].UnreadCount)
	}
}

func TestCoordinator_LazyExpiry(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	item, err := c.Notify("task-x1", "old news", "stale")
	if err != nil {
		t.Fatal(err)
	}

	c.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })

	items, err := c.List(inbox.StatusPending, "task-x1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("Expired notification should not list as pending, got %d items", len(items))
	}

	got, err := c.Get(item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != inbox.StatusExpired {
		t.Errorf("Expected expired status, got %s", got.Status)
	}

	err = c.Respond(context.Background(), item.ID, map[string]any{"ack": true})
	if !errors.IsConflict(err) {
		t.Errorf("Responding to expired item should conflict, got %v", err)
	}
}

func TestCoordinator_BlockingItemsNeverExpire(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	if _, err := c.CreateQuestionItem(questionTask()); err != nil {
		t.Fatal(err)
	}

	c.SetClock(func() time.Time { return time.Now().Add(30 * 24 * time.Hour) })

	items, err := c.List(inbox.StatusPending, "task-q1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("Blocking item should survive any delay, got %d items", len(items))
	}
}
