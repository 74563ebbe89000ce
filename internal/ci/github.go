package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/task"
)

// checkResult is one row of `gh pr checks --json` output.
type checkResult struct {
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
	Link   string `json:"link"`
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return output, fmt.Errorf("%s failed: %w\nstderr: %s", name, err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return output, nil
}

// GitHubAdapter reads check runs through the gh CLI.
type GitHubAdapter struct {
	logger *logging.Logger
	run    commandRunner
}

func NewGitHubAdapter(logger *logging.Logger) *GitHubAdapter {
	return &GitHubAdapter{logger: logger, run: runCommand}
}

// CheckStatus aggregates the PR's check runs. Failing beats pending:
// a single failed check fails the round even while others still run.
func (a *GitHubAdapter) CheckStatus(ctx context.Context, t *task.Task) (Status, error) {
	checks, err := a.fetchChecks(ctx, t)
	if err != nil {
		return "", err
	}
	return aggregate(checks), nil
}

// FetchFailureDetail describes the failing checks and pulls the tail of
// their logs where gh can reach them.
func (a *GitHubAdapter) FetchFailureDetail(ctx context.Context, t *task.Task) (string, error) {
	checks, err := a.fetchChecks(ctx, t)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, c := range checks {
		if c.Bucket != "fail" {
			continue
		}
		fmt.Fprintf(&b, "check %q failed", c.Name)
		if c.Link != "" {
			fmt.Fprintf(&b, " (%s)", c.Link)
		}
		b.WriteString("\n")

		if log := a.fetchRunLog(ctx, c.Link); log != "" {
			b.WriteString(log)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("no failing checks found for task %s", t.ID)
	}
	return b.String(), nil
}

func (a *GitHubAdapter) fetchChecks(ctx context.Context, t *task.Task) ([]checkResult, error) {
	if t.PRURL == "" {
		return nil, fmt.Errorf("task %s has no change request to check", t.ID)
	}

	output, err := a.run(ctx, "gh", "pr", "checks", t.PRURL, "--json", "name,bucket,link")
	if err != nil {
		// gh pr checks exits 8 while checks are pending and still prints
		// the JSON payload. Fall through to parsing when output exists.
		if len(output) == 0 {
			return nil, errors.NewTransientError("fetch check status", err)
		}
	}

	var checks []checkResult
	if err := json.Unmarshal(output, &checks); err != nil {
		return nil, errors.NewTransientError("parse check status", err)
	}
	return checks, nil
}

// fetchRunLog pulls the failed-step log for a GitHub Actions run link.
// Non-Actions checks have no reachable log; returns "".
func (a *GitHubAdapter) fetchRunLog(ctx context.Context, link string) string {
	runID, ok := actionsRunID(link)
	if !ok {
		return ""
	}
	output, err := a.run(ctx, "gh", "run", "view", runID, "--log-failed")
	if err != nil {
		a.logger.Debug("could not fetch run log", "run_id", runID, "error", err)
		return ""
	}
	return tailLines(string(output), 100)
}

// actionsRunID extracts the run ID from a link like
// https://github.com/owner/repo/actions/runs/123/job/456.
func actionsRunID(link string) (string, bool) {
	const marker = "/actions/runs/"
	i := strings.Index(link, marker)
	if i < 0 {
		return "", false
	}
	rest := link[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func aggregate(checks []checkResult) Status {
	if len(checks) == 0 {
		return StatusPassed
	}
	status := StatusPassed
	for _, c := range checks {
		switch c.Bucket {
		case "fail", "cancel":
			return StatusFailed
		case "pending":
			status = StatusPending
		}
	}
	return status
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
