// Package orchestrator drives tasks through their lifecycle: planning,
// human review gates, implementation, and CI verification.
//
// The orchestrator is the only writer of task state. Every operation
// re-reads persisted state, applies one guarded transition, and publishes
// the corresponding event while still holding the task's lock, so events
// reach subscribers in commit order.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeops/foreman/internal/ci"
	"github.com/forgeops/foreman/internal/config"
	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/review"
	"github.com/forgeops/foreman/internal/sandbox"
	"github.com/forgeops/foreman/internal/store"
	"github.com/forgeops/foreman/internal/task"
)

// Orchestrator owns the task lifecycle.
type Orchestrator struct {
	store    *store.Store
	bus      *event.Bus
	queue    *inbox.Coordinator
	executor sandbox.Executor
	reviews  review.Adapter
	checks   ci.Adapter
	router   *review.Router
	cfg      *config.Config
	logger   *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sleep is swapped out by tests to skip real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an Orchestrator. Call Resume to pick up persisted work and
// Stop to drain driver goroutines.
func New(
	s *store.Store,
	bus *event.Bus,
	queue *inbox.Coordinator,
	executor sandbox.Executor,
	reviews review.Adapter,
	checks ci.Adapter,
	router *review.Router,
	cfg *config.Config,
	logger *logging.Logger,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    s,
		bus:      bus,
		queue:    queue,
		executor: executor,
		reviews:  reviews,
		checks:   checks,
		router:   router,
		cfg:      cfg,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepCtx,
	}
	queue.SetHandler(o)
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit validates, persists, and starts driving a new task.
func (o *Orchestrator) Submit(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.Description == "" {
		return nil, errors.NewValidationError("description", "cannot be empty")
	}
	if t.RepoURL == "" {
		return nil, errors.NewValidationError("repo_url", "cannot be empty")
	}

	if t.ID == "" {
		t.ID = newTaskID()
	}
	if t.TaskType == "" {
		t.TaskType = "feature"
	}
	if t.BaseBranch == "" {
		t.BaseBranch = "main"
	}
	if t.BranchName == "" {
		t.BranchName = "foreman/" + t.ID
	}
	if t.MaxFixAttempts <= 0 {
		t.MaxFixAttempts = o.cfg.Verify.MaxFixAttempts
	}
	t.Status = task.StatusPending
	t.CreatedAt = time.Now().UTC()

	if err := o.store.CreateTask(t); err != nil {
		return nil, err
	}
	o.bus.Publish(event.NewTaskUpdatedEvent(t.ID, t.Status))
	o.logger.WithTask(t.ID).Info("task submitted", "type", t.TaskType)

	o.spawn(func() { o.runPlanning(t.ID) })
	return t.Clone(), nil
}

// Get returns a task by ID.
func (o *Orchestrator) Get(taskID string) (*task.Task, error) {
	return o.store.GetTask(taskID)
}

// List returns tasks, optionally filtered by status.
func (o *Orchestrator) List(status task.Status) ([]*task.Task, error) {
	return o.store.ListTasks(status)
}

// FetchLogs returns the tail of the task's sandbox run log.
func (o *Orchestrator) FetchLogs(ctx context.Context, taskID string, tail int) (string, error) {
	if _, err := o.store.GetTask(taskID); err != nil {
		return "", err
	}
	return o.executor.FetchLogs(ctx, sandbox.Handle(taskID), tail)
}

// Resume re-drives persisted work after a restart. Tasks blocked on a
// human (waiting_questions, waiting_plan_review, ready_to_implement,
// under_review) stay put until the corresponding operation arrives.
func (o *Orchestrator) Resume() error {
	active, err := o.store.ListByStatuses(task.StatusPending, task.StatusPlanning, task.StatusImplementing)
	if err != nil {
		return fmt.Errorf("list resumable tasks: %w", err)
	}

	for _, t := range active {
		id := t.ID
		status := t.Status
		o.logger.WithTask(id).Info("resuming task", "status", string(status))
		switch status {
		case task.StatusPending, task.StatusPlanning:
			o.spawn(func() { o.runPlanning(id) })
		case task.StatusImplementing:
			o.spawn(func() { o.runImplementation(id) })
		}
	}
	return nil
}

// Stop cancels in-flight drivers and waits for them to exit.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// lock returns the task's serialization mutex, creating it on first use.
func (o *Orchestrator) lock(taskID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[taskID] = l
	}
	return l
}

// transition applies one guarded state change. It re-reads the task under
// the task lock, verifies the from-state, applies mutate, writes with the
// store's optimistic check, and publishes while still holding the lock.
func (o *Orchestrator) transition(taskID string, from, to task.Status, mutate func(*task.Task)) (*task.Task, error) {
	l := o.lock(taskID)
	l.Lock()
	defer l.Unlock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != from {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", errors.ErrConflict, taskID, t.Status, from)
	}
	if !task.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, from, to)
	}

	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	now := time.Now().UTC()
	if to == task.StatusPlanning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}

	if err := o.store.SaveTask(t, from); err != nil {
		return nil, err
	}

	o.bus.Publish(event.NewTaskUpdatedEvent(t.ID, t.Status))
	if to == task.StatusFailed {
		o.bus.Publish(event.NewTaskFailedEvent(t.ID, t.Error))
	}
	return t.Clone(), nil
}

// save writes mutations that do not change state (progress counters,
// external refs) under the same lock and optimistic check.
func (o *Orchestrator) save(taskID string, expect task.Status, mutate func(*task.Task)) (*task.Task, error) {
	l := o.lock(taskID)
	l.Lock()
	defer l.Unlock()

	t, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != expect {
		return nil, fmt.Errorf("%w: task %s is %s, expected %s", errors.ErrConflict, taskID, t.Status, expect)
	}
	if mutate != nil {
		mutate(t)
	}
	if err := o.store.SaveTask(t, expect); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// current returns the task's persisted status.
func (o *Orchestrator) current(taskID string) (task.Status, error) {
	t, err := o.store.GetTask(taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

func newTaskID() string {
	return "task-" + uuid.New().String()[:8]
}
