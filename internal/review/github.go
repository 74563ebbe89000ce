package review

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/task"
)

// URL parsing regexes
var (
	issueURLRegex = regexp.MustCompile(`github\.com/[^/]+/[^/]+/issues/(\d+)$`)
	prURLRegex    = regexp.MustCompile(`github\.com/[^/]+/[^/]+/pull/(\d+)$`)
	repoURLRegex  = regexp.MustCompile(`github\.com[:/]([^/]+/[^/.]+)`)
)

// commandRunner executes an external command and returns its stdout.
// It exists so tests can stub out the gh CLI.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%s failed: %w\nstderr: %s", name, err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("failed to run %s: %w", name, err)
	}
	return output, nil
}

// GitHubAdapter implements Adapter with the gh CLI.
type GitHubAdapter struct {
	draft  bool
	labels []string
	logger *logging.Logger
	run    commandRunner
}

// NewGitHubAdapter creates a GitHubAdapter. When draft is true, change
// requests open as drafts and are promoted by MarkReadyForReview.
func NewGitHubAdapter(draft bool, labels []string, logger *logging.Logger) *GitHubAdapter {
	return &GitHubAdapter{
		draft:  draft,
		labels: labels,
		logger: logger,
		run:    runCommand,
	}
}

// CreatePlanRecord files a GitHub issue holding the approved plan.
func (a *GitHubAdapter) CreatePlanRecord(ctx context.Context, t *task.Task) (*PlanRecord, error) {
	repo, err := repoSlug(t.RepoURL)
	if err != nil {
		return nil, err
	}

	body := planRecordBody(t)
	args := []string{
		"issue", "create",
		"--repo", repo,
		"--title", issueTitle(t),
		"--body", body,
	}
	for _, label := range a.labels {
		args = append(args, "--label", label)
	}

	output, err := a.run(ctx, "gh", args...)
	if err != nil {
		return nil, errors.NewTransientError("create plan record", err)
	}

	url := strings.TrimSpace(string(output))
	number, err := parseNumber(url, issueURLRegex)
	if err != nil {
		return nil, fmt.Errorf("unexpected gh issue create output %q: %w", url, err)
	}

	a.logger.WithTask(t.ID).Info("plan record created", "url", url)
	return &PlanRecord{URL: url, Number: number}, nil
}

// CreateChangeRequest opens a pull request for the task's branch.
func (a *GitHubAdapter) CreateChangeRequest(ctx context.Context, t *task.Task) (*ChangeRequest, error) {
	repo, err := repoSlug(t.RepoURL)
	if err != nil {
		return nil, err
	}
	if t.BranchName == "" {
		return nil, errors.NewValidationError("branch_name", "cannot submit a change request without a branch")
	}

	args := []string{
		"pr", "create",
		"--repo", repo,
		"--head", t.BranchName,
		"--base", t.BaseBranch,
		"--title", prTitle(t),
		"--body", changeRequestBody(t),
	}
	if a.draft {
		args = append(args, "--draft")
	}
	for _, label := range a.labels {
		args = append(args, "--label", label)
	}

	output, err := a.run(ctx, "gh", args...)
	if err != nil {
		// gh exits non-zero when a PR already exists for the branch; treat
		// that as finding the existing one so replays stay idempotent.
		if existing, lookupErr := a.findExisting(ctx, repo, t.BranchName); lookupErr == nil && existing != nil {
			return existing, nil
		}
		return nil, errors.NewTransientError("create change request", err)
	}

	url := strings.TrimSpace(string(output))
	number, err := parseNumber(url, prURLRegex)
	if err != nil {
		return nil, fmt.Errorf("unexpected gh pr create output %q: %w", url, err)
	}

	a.logger.WithTask(t.ID).Info("change request created", "url", url)
	return &ChangeRequest{URL: url, Number: number}, nil
}

// MarkReadyForReview promotes a draft PR and requests reviewers.
func (a *GitHubAdapter) MarkReadyForReview(ctx context.Context, t *task.Task, reviewers []string) error {
	if t.PRURL == "" {
		return fmt.Errorf("task %s has no change request to mark ready", t.ID)
	}

	if a.draft {
		if _, err := a.run(ctx, "gh", "pr", "ready", t.PRURL); err != nil {
			return errors.NewTransientError("mark ready for review", err)
		}
	}

	if len(reviewers) > 0 {
		args := []string{"pr", "edit", t.PRURL, "--add-reviewer", strings.Join(reviewers, ",")}
		if _, err := a.run(ctx, "gh", args...); err != nil {
			// Reviewer assignment is advisory; the PR is still reviewable.
			a.logger.WithTask(t.ID).Warn("failed to request reviewers", "error", err)
		}
	}
	return nil
}

// ClosePlanRecord closes the task's tracking issue. Missing or already
// closed issues are not errors.
func (a *GitHubAdapter) ClosePlanRecord(ctx context.Context, t *task.Task) error {
	if t.IssueURL == "" {
		return nil
	}
	if _, err := a.run(ctx, "gh", "issue", "close", t.IssueURL, "--comment", "Task completed."); err != nil {
		a.logger.WithTask(t.ID).Warn("failed to close plan record", "url", t.IssueURL, "error", err)
	}
	return nil
}

// findExisting looks up an open PR for the branch.
func (a *GitHubAdapter) findExisting(ctx context.Context, repo, branch string) (*ChangeRequest, error) {
	output, err := a.run(ctx, "gh", "pr", "view", branch, "--repo", repo, "--json", "url,number", "--jq", ".url")
	if err != nil {
		return nil, err
	}
	url := strings.TrimSpace(string(output))
	number, err := parseNumber(url, prURLRegex)
	if err != nil {
		return nil, err
	}
	return &ChangeRequest{URL: url, Number: number}, nil
}

// repoSlug extracts "owner/name" from an HTTPS or SSH repository URL.
func repoSlug(repoURL string) (string, error) {
	matches := repoURLRegex.FindStringSubmatch(repoURL)
	if len(matches) != 2 {
		return "", errors.NewValidationError("repo_url", fmt.Sprintf("cannot determine repository from %q", repoURL))
	}
	return matches[1], nil
}

func parseNumber(url string, re *regexp.Regexp) (int, error) {
	matches := re.FindStringSubmatch(url)
	if len(matches) != 2 {
		return 0, fmt.Errorf("no number in URL")
	}
	return strconv.Atoi(matches[1])
}

func issueTitle(t *task.Task) string {
	return fmt.Sprintf("[%s] %s", t.TaskType, truncate(t.Description, 72))
}

func prTitle(t *task.Task) string {
	return fmt.Sprintf("%s: %s", t.TaskType, truncate(t.Description, 72))
}

func planRecordBody(t *task.Task) string {
	var b strings.Builder
	b.WriteString("## Task\n\n")
	b.WriteString(t.Description)
	b.WriteString("\n\n## Approved Plan\n\n")
	b.WriteString(t.Plan)
	b.WriteString(fmt.Sprintf("\n\n---\nTracked by foreman as `%s`.\n", t.ID))
	return b.String()
}

func changeRequestBody(t *task.Task) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	b.WriteString(t.Description)
	if t.Plan != "" {
		b.WriteString("\n\n## Plan\n\n")
		b.WriteString(t.Plan)
	}
	if t.IssueURL != "" {
		b.WriteString(fmt.Sprintf("\n\nCloses %s", t.IssueURL))
	}
	b.WriteString(fmt.Sprintf("\n\n---\nOpened by foreman for `%s`.\n", t.ID))
	return b.String()
}

// truncate shortens s to at most n runes, never splitting a multibyte
// character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
