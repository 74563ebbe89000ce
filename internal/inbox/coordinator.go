package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/task"
)

// notificationTTL is how long non-blocking items stay live before lazy
// expiry hides them from pending listings.
const notificationTTL = 7 * 24 * time.Hour

// Storage is the persistence surface the coordinator needs. *store.Store
// satisfies it.
type Storage interface {
	CreateItem(it *Item) error
	GetItem(id string) (*Item, error)
	ListItems(status ItemStatus, taskID string) ([]*Item, error)
	PendingBlockingItem(taskID string) (*Item, error)
	RespondItem(id string, response map[string]any, now time.Time) error
	ExpireItem(id string, now time.Time) error
	MarkItemRead(id string, now time.Time) error
	UnreadCount() (int, error)
}

// Handler receives the effect of a response to a blocking item. The
// orchestrator implements it.
type Handler interface {
	// SubmitAnswers delivers answers for a task's pending questions.
	// Returns errors.ErrIncompleteAnswers when any question is missing one.
	SubmitAnswers(ctx context.Context, taskID string, answers map[string]string) error

	// ResolvePlanReview applies a plan review decision.
	ResolvePlanReview(ctx context.Context, taskID string, action PlanAction, feedback string) error
}

// Coordinator owns the operator-facing queue: it files items when tasks
// need attention and routes responses back into the task lifecycle.
type Coordinator struct {
	storage Storage
	bus     *event.Bus
	logger  *logging.Logger
	handler Handler
	now     func() time.Time
}

func NewCoordinator(storage Storage, bus *event.Bus, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		storage: storage,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// SetHandler wires the response handler. The coordinator and the
// orchestrator reference each other, so the handler arrives after
// construction.
func (c *Coordinator) SetHandler(h Handler) {
	c.handler = h
}

// SetClock overrides the coordinator's time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// CreateQuestionItem files one item carrying all of the task's pending
// questions. The batch blocks the task until every question is answered
// in a single response.
func (c *Coordinator) CreateQuestionItem(t *task.Task) (*Item, error) {
	if len(t.Questions) == 0 {
		return nil, fmt.Errorf("task %s has no questions to ask", t.ID)
	}

	var content strings.Builder
	for i, q := range t.Questions {
		if i > 0 {
			content.WriteString("\n")
		}
		fmt.Fprintf(&content, "%d. %s", i+1, q.Text)
	}

	item := &Item{
		ID:      newItemID(),
		TaskID:  t.ID,
		Kind:    KindQuestion,
		Prio:    PriorityHigh,
		Title:   fmt.Sprintf("%d question(s) need answers", len(t.Questions)),
		Content: content.String(),
		Context: map[string]any{"questions": t.Questions},
		Status:  StatusPending,
	}
	return c.file(item)
}

// CreatePlanReviewItem files the item that blocks a task on plan review.
func (c *Coordinator) CreatePlanReviewItem(t *task.Task) (*Item, error) {
	item := &Item{
		ID:      newItemID(),
		TaskID:  t.ID,
		Kind:    KindPlanReady,
		Prio:    PriorityHigh,
		Title:   "Plan ready for review",
		Content: t.Plan,
		Options: []string{string(PlanApprove), string(PlanRevise), string(PlanCancel)},
		Status:  StatusPending,
	}
	return c.file(item)
}

// Notify files a non-blocking notification.
func (c *Coordinator) Notify(taskID, title, content string) (*Item, error) {
	return c.fileTransient(&Item{
		TaskID:  taskID,
		Kind:    KindNotification,
		Prio:    PriorityNormal,
		Title:   title,
		Content: content,
	})
}

// ReportError files an urgent error item for a task failure.
func (c *Coordinator) ReportError(taskID, title, detail string) (*Item, error) {
	return c.fileTransient(&Item{
		TaskID:  taskID,
		Kind:    KindError,
		Prio:    PriorityUrgent,
		Title:   title,
		Content: detail,
	})
}

// CreateReviewItem announces that a task's change request awaits human
// review.
func (c *Coordinator) CreateReviewItem(t *task.Task) (*Item, error) {
	return c.fileTransient(&Item{
		TaskID:  t.ID,
		Kind:    KindReview,
		Prio:    PriorityHigh,
		Title:   "Change request ready for review",
		Content: t.PRURL,
		Context: map[string]any{"pr_url": t.PRURL, "pr_number": t.PRNumber},
	})
}

// CreateRoutingSuggestion files reviewer recommendations for a change
// request.
func (c *Coordinator) CreateRoutingSuggestion(t *task.Task, reviewers, patterns []string) (*Item, error) {
	return c.fileTransient(&Item{
		TaskID:  t.ID,
		Kind:    KindRoutingSuggestion,
		Prio:    PriorityNormal,
		Title:   "Suggested reviewers: " + strings.Join(reviewers, ", "),
		Content: t.PRURL,
		Context: map[string]any{"reviewers": reviewers, "matched_patterns": patterns},
	})
}

// Respond applies a response to a pending item. For blocking kinds the
// task-side effect runs first; the item flips to responded only after the
// effect commits, so a failed effect leaves the item answerable.
func (c *Coordinator) Respond(ctx context.Context, id string, response map[string]any) error {
	item, err := c.storage.GetItem(id)
	if err != nil {
		return err
	}

	now := c.now()
	if item.Status != StatusPending {
		return fmt.Errorf("%w: item %s is %s", errors.ErrItemNotPending, id, item.Status)
	}
	if item.Expired(now) {
		_ = c.storage.ExpireItem(id, now)
		return fmt.Errorf("%w: item %s expired", errors.ErrItemNotPending, id)
	}

	var cancelled bool
	switch item.Kind {
	case KindQuestion:
		answers, err := answersFrom(response)
		if err != nil {
			return err
		}
		if err := c.handler.SubmitAnswers(ctx, item.TaskID, answers); err != nil {
			return err
		}
	case KindPlanReady:
		action, feedback, err := planDecisionFrom(response)
		if err != nil {
			return err
		}
		if err := c.handler.ResolvePlanReview(ctx, item.TaskID, action, feedback); err != nil {
			return err
		}
		cancelled = action == PlanCancel
	}

	if err := c.storage.RespondItem(id, response, c.now()); err != nil {
		// Cancelling a task expires its blocking items as a side effect,
		// which can resolve this very item before we do. That is not a
		// conflict: the response took effect.
		if !(cancelled && errors.Is(err, errors.ErrItemNotPending)) {
			return err
		}
	}
	c.publishUpdate(id)
	return nil
}

// Expire force-expires a pending item whose task moved on without it,
// such as a question batch on a cancelled task.
func (c *Coordinator) Expire(id string) error {
	if err := c.storage.ExpireItem(id, c.now()); err != nil {
		return err
	}
	c.publishUpdate(id)
	return nil
}

// MarkRead marks an item read and refreshes the unread count.
func (c *Coordinator) MarkRead(id string) error {
	if err := c.storage.MarkItemRead(id, c.now()); err != nil {
		return err
	}
	c.publishUpdate(id)
	return nil
}

// Get returns a single item, expiring it lazily if its TTL passed.
func (c *Coordinator) Get(id string) (*Item, error) {
	item, err := c.storage.GetItem(id)
	if err != nil {
		return nil, err
	}
	return c.sweepOne(item), nil
}

// List returns items filtered by status and task, applying lazy expiry on
// the way out.
func (c *Coordinator) List(status ItemStatus, taskID string) ([]*Item, error) {
	items, err := c.storage.ListItems(status, taskID)
	if err != nil {
		return nil, err
	}

	out := items[:0]
	for _, item := range items {
		item = c.sweepOne(item)
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// UnreadCount returns the number of unread items.
func (c *Coordinator) UnreadCount() (int, error) {
	return c.storage.UnreadCount()
}

// PendingBlockingItem returns the task's open question or plan-review
// item, or nil.
func (c *Coordinator) PendingBlockingItem(taskID string) (*Item, error) {
	return c.storage.PendingBlockingItem(taskID)
}

// file persists a blocking item and announces it.
func (c *Coordinator) file(item *Item) (*Item, error) {
	item.Status = StatusPending
	item.CreatedAt = c.now()
	if err := c.storage.CreateItem(item); err != nil {
		return nil, err
	}
	c.logger.WithTask(item.TaskID).Info("queue item filed", "item_id", item.ID, "kind", string(item.Kind))
	c.publishUpdate(item.ID)
	return item, nil
}

// fileTransient persists a non-blocking item with an expiry.
func (c *Coordinator) fileTransient(item *Item) (*Item, error) {
	item.ID = newItemID()
	expires := c.now().Add(notificationTTL)
	item.ExpiresAt = &expires
	return c.file(item)
}

// sweepOne expires a pending non-blocking item past its TTL.
func (c *Coordinator) sweepOne(item *Item) *Item {
	now := c.now()
	if item.Status == StatusPending && item.Expired(now) && !item.Kind.Blocking() {
		if err := c.storage.ExpireItem(item.ID, now); err == nil {
			item.Status = StatusExpired
		}
	}
	return item
}

func (c *Coordinator) publishUpdate(itemID string) {
	count, err := c.storage.UnreadCount()
	if err != nil {
		c.logger.Warn("failed to read unread count", "error", err)
	}
	c.bus.Publish(event.NewInboxUpdatedEvent(itemID, count))
}

func newItemID() string {
	return "item-" + uuid.New().String()[:8]
}

// answersFrom extracts the question answers from a response payload of
// the form {"answers": {"<question-id>": "<text>"}}.
func answersFrom(response map[string]any) (map[string]string, error) {
	raw, ok := response["answers"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response must carry an answers object", errors.ErrInvalidResponse)
	}
	answers := make(map[string]string, len(raw))
	for id, v := range raw {
		text, ok := v.(string)
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: answer for %s must be a non-empty string", errors.ErrInvalidResponse, id)
		}
		answers[id] = text
	}
	return answers, nil
}

// planDecisionFrom extracts the plan review decision from a response of
// the form {"action": "approve|revise|cancel", "feedback": "..."}.
func planDecisionFrom(response map[string]any) (PlanAction, string, error) {
	raw, _ := response["action"].(string)
	action := PlanAction(raw)
	if !ValidPlanAction(action) {
		return "", "", fmt.Errorf("%w: unknown plan action %q", errors.ErrInvalidResponse, raw)
	}

	feedback, _ := response["feedback"].(string)
	if action == PlanRevise && strings.TrimSpace(feedback) == "" {
		return "", "", fmt.Errorf("%w: revise requires feedback", errors.ErrInvalidResponse)
	}
	return action, feedback, nil
}
