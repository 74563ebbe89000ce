package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/task"
)

const runLogName = "run.log"

// LocalExecutor runs the worker command in a per-task working directory.
// It satisfies the Executor contract: provisioning is idempotent keyed by
// task ID (the workspace path is derived from the ID, and re-provisioning
// an existing workspace is a no-op).
type LocalExecutor struct {
	workspaceDir string
	command      string
	runTimeout   time.Duration
	logger       *logging.Logger

	mu     sync.Mutex
	active map[Handle]bool
}

// NewLocalExecutor creates a LocalExecutor rooted at workspaceDir.
// A runTimeout of 0 disables the per-run timeout.
func NewLocalExecutor(workspaceDir, command string, runTimeout time.Duration, logger *logging.Logger) *LocalExecutor {
	return &LocalExecutor{
		workspaceDir: workspaceDir,
		command:      command,
		runTimeout:   runTimeout,
		logger:       logger,
		active:       make(map[Handle]bool),
	}
}

// Provision creates (or re-opens) the task's working directory and returns
// its handle. Calling Provision twice for the same task yields the same
// handle both times.
func (e *LocalExecutor) Provision(ctx context.Context, t *task.Task) (Handle, error) {
	h := Handle(t.ID)
	dir := e.dir(h)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.NewTransientError("provision sandbox", err)
	}

	e.mu.Lock()
	e.active[h] = true
	e.mu.Unlock()

	e.logger.WithTask(t.ID).Debug("sandbox provisioned", "dir", dir)
	return h, nil
}

// Run executes the worker command in the sandbox. Instructions are passed
// as JSON on stdin; the worker must emit a JSON RunResult on stdout. Both
// streams are appended to the sandbox's run log.
func (e *LocalExecutor) Run(ctx context.Context, h Handle, ins Instructions) (*RunResult, error) {
	e.mu.Lock()
	ok := e.active[h]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrExecutorNotProvisioned, h)
	}

	input, err := json.Marshal(ins)
	if err != nil {
		return nil, errors.NewFatalError("encode instructions", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if e.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}

	parts := strings.Fields(e.command)
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = e.dir(h)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	e.appendLog(h, ins.Phase, stdout.Bytes(), stderr.Bytes())

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: phase %s after %s", errors.ErrRunTimeout, ins.Phase, e.runTimeout)
	}
	if err != nil {
		return nil, errors.NewTransientError("worker run",
			fmt.Errorf("%s: %w\nstderr: %s", ins.Phase, err, stderr.String()))
	}

	var result RunResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, errors.NewFatalError("decode worker output", err)
	}
	if result.Kind == "" {
		return nil, errors.NewFatalError("decode worker output", fmt.Errorf("missing result kind"))
	}
	return &result, nil
}

// FetchLogs returns up to tail lines from the sandbox's run log.
// A tail of 0 returns the whole log.
func (e *LocalExecutor) FetchLogs(ctx context.Context, h Handle, tail int) (string, error) {
	data, err := os.ReadFile(filepath.Join(e.dir(h), runLogName))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read run log: %w", err)
	}

	if tail <= 0 {
		return string(data), nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

// Teardown removes the task's working directory. It is safe to call for a
// handle that was never provisioned or was already torn down.
func (e *LocalExecutor) Teardown(ctx context.Context, h Handle) error {
	e.mu.Lock()
	delete(e.active, h)
	e.mu.Unlock()

	if err := os.RemoveAll(e.dir(h)); err != nil {
		return fmt.Errorf("remove sandbox dir: %w", err)
	}
	e.logger.Debug("sandbox torn down", "handle", string(h))
	return nil
}

func (e *LocalExecutor) dir(h Handle) string {
	return filepath.Join(e.workspaceDir, string(h))
}

// appendLog appends a run's output to the sandbox log. Logging failures are
// reported but never fail the run.
func (e *LocalExecutor) appendLog(h Handle, phase Phase, stdout, stderr []byte) {
	f, err := os.OpenFile(filepath.Join(e.dir(h), runLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		e.logger.Warn("failed to open run log", "handle", string(h), "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(f, "--- %s phase=%s\n", ts, phase)
	if len(stdout) > 0 {
		_, _ = f.Write(stdout)
		if stdout[len(stdout)-1] != '\n' {
			fmt.Fprintln(f)
		}
	}
	if len(stderr) > 0 {
		fmt.Fprintf(f, "[stderr]\n")
		_, _ = f.Write(stderr)
		if stderr[len(stderr)-1] != '\n' {
			fmt.Fprintln(f)
		}
	}
}
