// Package inbox coordinates the human-attention queue. The orchestrator
// creates queue items when a task enters a waiting state; humans resolve
// them, and the accepted response is the only sanctioned way to advance the
// owning task out of that state.
package inbox

import "time"

// ItemKind identifies the kind of attention an item requests.
type ItemKind string

const (
	// KindQuestion carries a batched list of clarifying questions that
	// block the owning task until every question is answered.
	KindQuestion ItemKind = "question"

	// KindPlanReady asks for review of a produced plan. Blocks the owning
	// task until approved, revised, or cancelled.
	KindPlanReady ItemKind = "plan_ready"

	// KindNotification is informational and never blocks a task.
	KindNotification ItemKind = "notification"

	// KindError reports a task failure.
	KindError ItemKind = "error"

	// KindReview asks for terminal human review of a verified change-set.
	KindReview ItemKind = "review"

	// KindRoutingSuggestion suggests reviewers for a change request based
	// on the paths it touches.
	KindRoutingSuggestion ItemKind = "routing_suggestion"
)

// Blocking reports whether items of this kind hold their owning task in a
// waiting state until responded to.
func (k ItemKind) Blocking() bool {
	return k == KindQuestion || k == KindPlanReady
}

// Valid item kinds for validation.
var validKinds = map[ItemKind]bool{
	KindQuestion:          true,
	KindPlanReady:         true,
	KindNotification:      true,
	KindError:             true,
	KindReview:            true,
	KindRoutingSuggestion: true,
}

// ValidKind returns true if the given kind is a known item kind.
func ValidKind(k ItemKind) bool {
	return validKinds[k]
}

// Priority orders items for human attention.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ItemStatus is the resolution state of a queue item.
type ItemStatus string

const (
	// StatusPending means the item awaits a human response.
	StatusPending ItemStatus = "pending"
	// StatusResponded means a response was accepted.
	StatusResponded ItemStatus = "responded"
	// StatusExpired means the item passed its expiry without a response.
	StatusExpired ItemStatus = "expired"
)

// Item is one unit of required or optional human attention.
type Item struct {
	ID     string   `json:"id"`
	TaskID string   `json:"task_id,omitempty"` // empty for items not scoped to a task
	Kind   ItemKind `json:"item_type"`
	Prio   Priority `json:"priority"`

	Title   string         `json:"title"`
	Content string         `json:"content"`
	Context map[string]any `json:"context,omitempty"`
	Options []string       `json:"options,omitempty"`

	Status      ItemStatus     `json:"status"`
	Response    map[string]any `json:"response,omitempty"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
	ReadAt      *time.Time     `json:"read_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the item's expiry has passed.
func (i *Item) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	cp := *i
	if i.Context != nil {
		cp.Context = make(map[string]any, len(i.Context))
		for k, v := range i.Context {
			cp.Context[k] = v
		}
	}
	if i.Options != nil {
		cp.Options = make([]string, len(i.Options))
		copy(cp.Options, i.Options)
	}
	if i.Response != nil {
		cp.Response = make(map[string]any, len(i.Response))
		for k, v := range i.Response {
			cp.Response[k] = v
		}
	}
	if i.RespondedAt != nil {
		ts := *i.RespondedAt
		cp.RespondedAt = &ts
	}
	if i.ReadAt != nil {
		ts := *i.ReadAt
		cp.ReadAt = &ts
	}
	if i.ExpiresAt != nil {
		ts := *i.ExpiresAt
		cp.ExpiresAt = &ts
	}
	return &cp
}

// PlanAction is a response action for a plan-review item.
type PlanAction string

const (
	PlanApprove PlanAction = "approve"
	PlanRevise  PlanAction = "revise"
	PlanCancel  PlanAction = "cancel"
)

// ValidPlanAction returns true if the action is acceptable for a plan-review item.
func ValidPlanAction(a PlanAction) bool {
	return a == PlanApprove || a == PlanRevise || a == PlanCancel
}
