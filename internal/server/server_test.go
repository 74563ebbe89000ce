package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forgeops/foreman/internal/ci"
	"github.com/forgeops/foreman/internal/config"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/orchestrator"
	"github.com/forgeops/foreman/internal/review"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/store"
	"github.com/forgeops/foreman/internal/task"
)

// stubExecutor plans and implements immediately, so lifecycle tests only
// block on the human gates the handlers are exercising.
type stubExecutor struct{}

func (stubExecutor) Provision(_ context.Context, t *task.Task) (sandbox.Handle, error) {
	return sandbox.Handle(t.ID), nil
}

func (stubExecutor) Run(_ context.Context, _ sandbox.Handle, ins sandbox.Instructions) (*sandbox.RunResult, error) {
	switch ins.Phase {
	case sandbox.PhasePlan:
		return &sandbox.RunResult{Kind: sandbox.ResultPlan, Plan: "1. change the code"}, nil
	default:
		return &sandbox.RunResult{Kind: sandbox.ResultChanges, CommitSHA: "abc1234"}, nil
	}
}

func (stubExecutor) FetchLogs(_ context.Context, _ sandbox.Handle, _ int) (string, error) {
	return "plan: starting\n", nil
}

func (stubExecutor) Teardown(_ context.Context, _ sandbox.Handle) error { return nil }

type stubReviews struct{}

func (stubReviews) CreatePlanRecord(_ context.Context, _ *task.Task) (*review.PlanRecord, error) {
	return &review.PlanRecord{URL: "https://github.com/acme/widgets/issues/7", Number: 7}, nil
}

func (stubReviews) CreateChangeRequest(_ context.Context, _ *task.Task) (*review.ChangeRequest, error) {
	return &review.ChangeRequest{URL: "https://github.com/acme/widgets/pull/8", Number: 8}, nil
}

func (stubReviews) MarkReadyForReview(_ context.Context, _ *task.Task, _ []string) error { return nil }
func (stubReviews) ClosePlanRecord(_ context.Context, _ *task.Task) error                { return nil }

type stubChecks struct{}

func (stubChecks) CheckStatus(_ context.Context, _ *task.Task) (ci.Status, error) {
	return ci.StatusPassed, nil
}

func (stubChecks) FetchFailureDetail(_ context.Context, _ *task.Task) (string, error) {
	return "", nil
}

type harness struct {
	srv  *Server
	orch *orchestrator.Orchestrator
	bus  *event.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := logging.NopLogger()
	bus := event.NewBus()
	queue := inbox.NewCoordinator(st, bus, logger)

	cfg := config.Default()
	cfg.Retry.BackoffSeconds = 0
	cfg.Verify.PollIntervalSeconds = 1

	router, err := review.NewRouter([]string{"oncall"}, nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	orch := orchestrator.New(st, bus, queue, stubExecutor{}, stubReviews{}, stubChecks{}, router, cfg, logger)
	t.Cleanup(orch.Stop)

	return &harness{
		srv:  New(0, orch, queue, bus, logger),
		orch: orch,
		bus:  bus,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) createTask(t *testing.T) string {
	t.Helper()

	rec := h.do(t, "POST", "/api/tasks", map[string]any{
		"description": "add pagination to the widgets endpoint",
		"repo_url":    "https://github.com/acme/widgets",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created task: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created task has no ID")
	}
	return created.ID
}

func (h *harness) waitFor(t *testing.T, id string, want task.Status) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.orch.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Status == want {
			return
		}
		if got.Status.IsTerminal() && got.Status != want {
			t.Fatalf("task reached terminal status %s, wanted %s (error: %s)", got.Status, want, got.Error)
		}
		time.Sleep(2 * time.Millisecond)
	}
	got, _ := h.orch.Get(id)
	t.Fatalf("timed out waiting for status %s, task is %s", want, got.Status)
}

func TestServer_CreateTask(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/tasks", map[string]any{
		"description": "tighten input validation",
		"repo_url":    "https://github.com/acme/widgets",
		"task_type":   "bug",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("got %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created task.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if created.TaskType != "bug" {
		t.Errorf("task_type = %q, want bug", created.TaskType)
	}
	if created.Status != task.StatusPending {
		t.Errorf("status = %s, want pending", created.Status)
	}
	if created.BranchName == "" {
		t.Error("expected a default branch name")
	}
}

func TestServer_CreateTask_Invalid(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing description", map[string]any{"repo_url": "https://github.com/acme/widgets"}},
		{"missing repo_url", map[string]any{"description": "do something"}},
		{"bad repo_url", map[string]any{"description": "do something", "repo_url": "not a url"}},
		{"bad task_type", map[string]any{"description": "x", "repo_url": "https://github.com/acme/widgets", "task_type": "epic"}},
		{"unknown field", map[string]any{"description": "x", "repo_url": "https://github.com/acme/widgets", "bogus": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, "POST", "/api/tasks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestServer_GetTask_NotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/api/tasks/task-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_ListTasks(t *testing.T) {
	h := newHarness(t)
	id := h.createTask(t)
	h.waitFor(t, id, task.StatusWaitingPlanReview)

	rec := h.do(t, "GET", "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var listing struct {
		Tasks []*task.Task `json:"tasks"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if listing.Count != 1 || len(listing.Tasks) != 1 {
		t.Fatalf("count = %d, want 1", listing.Count)
	}

	rec = h.do(t, "GET", "/api/tasks?status=completed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list returned %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if listing.Count != 0 {
		t.Errorf("completed count = %d, want 0", listing.Count)
	}

	rec = h.do(t, "GET", "/api/tasks?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter returned %d, want 400", rec.Code)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createTask(t)
	h.waitFor(t, id, task.StatusWaitingPlanReview)

	rec := h.do(t, "POST", "/api/tasks/"+id+"/plan", map[string]any{"action": "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("plan approve returned %d: %s", rec.Code, rec.Body.String())
	}
	h.waitFor(t, id, task.StatusReadyToImplement)

	rec = h.do(t, "POST", "/api/tasks/"+id+"/implement", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("implement returned %d: %s", rec.Code, rec.Body.String())
	}
	h.waitFor(t, id, task.StatusUnderReview)

	rec = h.do(t, "POST", "/api/tasks/"+id+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve returned %d: %s", rec.Code, rec.Body.String())
	}
	h.waitFor(t, id, task.StatusCompleted)

	var final task.Task
	rec = h.do(t, "GET", "/api/tasks/"+id, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &final); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if final.PRURL == "" {
		t.Error("completed task has no PR URL")
	}
}

func TestServer_Cancel_Conflicts(t *testing.T) {
	h := newHarness(t)
	id := h.createTask(t)
	h.waitFor(t, id, task.StatusWaitingPlanReview)

	rec := h.do(t, "POST", "/api/tasks/"+id+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", rec.Code, rec.Body.String())
	}
	h.waitFor(t, id, task.StatusCancelled)

	// Cancelling a terminal task is a conflict.
	rec = h.do(t, "POST", "/api/tasks/"+id+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel returned %d, want 409", rec.Code)
	}

	// So is retrying a cancelled (not failed) task.
	rec = h.do(t, "POST", "/api/tasks/"+id+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("retry of cancelled task returned %d, want 409", rec.Code)
	}
}

func TestServer_PlanAction_Invalid(t *testing.T) {
	h := newHarness(t)
	id := h.createTask(t)
	h.waitFor(t, id, task.StatusWaitingPlanReview)

	rec := h.do(t, "POST", "/api/tasks/"+id+"/plan", map[string]any{"action": "maybe"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_Logs(t *testing.T) {
	h := newHarness(t)
	id := h.createTask(t)
	h.waitFor(t, id, task.StatusWaitingPlanReview)

	rec := h.do(t, "GET", "/api/tasks/"+id+"/logs?tail=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !strings.Contains(body["logs"], "plan") {
		t.Errorf("logs = %q, want planner output", body["logs"])
	}

	rec = h.do(t, "GET", "/api/tasks/task-missing/logs", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("logs for missing task returned %d, want 404", rec.Code)
	}
}

func TestServer_Inbox(t *testing.T) {
	h := newHarness(t)
	id := h.createTask(t)
	h.waitFor(t, id, task.StatusWaitingPlanReview)

	rec := h.do(t, "GET", "/api/inbox?task="+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d: %s", rec.Code, rec.Body.String())
	}
	var listing struct {
		Items       []*inbox.Item `json:"items"`
		Count       int           `json:"count"`
		UnreadCount int           `json:"unread_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if listing.Count != 1 {
		t.Fatalf("count = %d, want the plan-review item", listing.Count)
	}
	item := listing.Items[0]
	if item.Kind != inbox.KindPlanReady {
		t.Fatalf("kind = %s, want plan_ready", item.Kind)
	}

	rec = h.do(t, "POST", "/api/inbox/"+item.ID+"/read", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, "POST", "/api/inbox/"+item.ID+"/respond", map[string]any{
		"response": map[string]any{"action": "approve"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("respond returned %d: %s", rec.Code, rec.Body.String())
	}
	var responded inbox.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &responded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if responded.Status != inbox.StatusResponded {
		t.Errorf("item status = %s, want responded", responded.Status)
	}
	h.waitFor(t, id, task.StatusReadyToImplement)

	// A second response to the same item is a conflict.
	rec = h.do(t, "POST", "/api/inbox/"+item.ID+"/respond", map[string]any{
		"response": map[string]any{"action": "approve"},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("double respond returned %d, want 409", rec.Code)
	}
}

func TestServer_Inbox_NotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/inbox/item-missing/respond", map[string]any{
		"response": map[string]any{"action": "approve"},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_EventStream(t *testing.T) {
	h := newHarness(t)

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	readFrame := func() string {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		t.Fatalf("stream ended: %v", scanner.Err())
		return ""
	}

	if got := readFrame(); got != "connected" {
		t.Fatalf("first frame = %q, want connected", got)
	}

	h.createTask(t)

	// Submission publishes task.updated; inbox activity follows once the
	// planner finishes. The first frame after connect must be the
	// submission transition.
	if got := readFrame(); got != "task.updated" {
		t.Fatalf("frame = %q, want task.updated", got)
	}
}

func TestServer_MethodRouting(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "DELETE", "/api/tasks", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/tasks returned %d, want 405", rec.Code)
	}
}
