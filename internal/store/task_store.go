package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/task"
)

// nullTimeString returns nil for a nil time, RFC3339 string otherwise.
func nullTimeString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime parses an RFC3339 column into a *time.Time.
func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

const taskSelectColumns = `id, task_type, description, repo_url, branch_name, base_branch, model,
       status, plan, questions, answers, plan_feedback,
       issue_url, issue_number, pr_url, pr_number, commit_sha,
       fix_attempts, max_fix_attempts,
       created_at, started_at, completed_at, result, error`

// CreateTask inserts a new task. The caller is expected to have set ID,
// Status, and CreatedAt.
func (s *Store) CreateTask(t *task.Task) error {
	questionsJSON, _ := json.Marshal(t.Questions)
	answersJSON, _ := json.Marshal(t.Answers)
	resultJSON, _ := json.Marshal(t.Result)

	_, err := s.db.Exec(`
		INSERT INTO tasks (
			id, task_type, description, repo_url, branch_name, base_branch, model,
			status, plan, questions, answers, plan_feedback,
			issue_url, issue_number, pr_url, pr_number, commit_sha,
			fix_attempts, max_fix_attempts,
			created_at, started_at, completed_at, result, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.TaskType, t.Description, t.RepoURL, t.BranchName, t.BaseBranch, t.Model,
		t.Status, t.Plan, string(questionsJSON), string(answersJSON), t.PlanFeedback,
		t.IssueURL, t.IssueNumber, t.PRURL, t.PRNumber, t.CommitSHA,
		t.FixAttempts, t.MaxFixAttempts,
		t.CreatedAt.UTC().Format(time.RFC3339), nullTimeString(t.StartedAt), nullTimeString(t.CompletedAt),
		string(resultJSON), t.Error)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// taskRowScanner abstracts row scanning for reuse between QueryRow and rows.Next().
type taskRowScanner interface {
	Scan(dest ...any) error
}

// scanTaskRow scans a task row into a Task struct.
func scanTaskRow(row taskRowScanner) (*task.Task, error) {
	var t task.Task
	var branchName, baseBranch, model, plan, questionsJSON, answersJSON, planFeedback sql.NullString
	var issueURL, prURL, commitSHA, resultJSON, errMsg sql.NullString
	var issueNumber, prNumber sql.NullInt64
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&t.ID, &t.TaskType, &t.Description, &t.RepoURL, &branchName, &baseBranch, &model,
		&t.Status, &plan, &questionsJSON, &answersJSON, &planFeedback,
		&issueURL, &issueNumber, &prURL, &prNumber, &commitSHA,
		&t.FixAttempts, &t.MaxFixAttempts,
		&createdAt, &startedAt, &completedAt, &resultJSON, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	t.BranchName = branchName.String
	t.BaseBranch = baseBranch.String
	t.Model = model.String
	t.Plan = plan.String
	t.PlanFeedback = planFeedback.String
	t.IssueURL = issueURL.String
	t.IssueNumber = int(issueNumber.Int64)
	t.PRURL = prURL.String
	t.PRNumber = int(prNumber.Int64)
	t.CommitSHA = commitSHA.String
	t.Error = errMsg.String

	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.StartedAt = parseNullTime(startedAt)
	t.CompletedAt = parseNullTime(completedAt)

	if questionsJSON.Valid && questionsJSON.String != "" {
		_ = json.Unmarshal([]byte(questionsJSON.String), &t.Questions)
	}
	if answersJSON.Valid && answersJSON.String != "" {
		_ = json.Unmarshal([]byte(answersJSON.String), &t.Answers)
	}
	if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
		_ = json.Unmarshal([]byte(resultJSON.String), &t.Result)
	}

	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*task.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskSelectColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks, optionally filtered by status, newest first.
func (s *Store) ListTasks(status task.Status) ([]*task.Task, error) {
	query := `SELECT ` + taskSelectColumns + ` FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ListByStatuses returns all tasks whose status is in the given set.
// Used on startup to find tasks that need to be re-driven.
func (s *Store) ListByStatuses(statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = st
	}

	rows, err := s.db.Query(`SELECT `+taskSelectColumns+` FROM tasks WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	return tasks, nil
}

// SaveTask persists a task's full mutable state with an optimistic check
// against the status the caller read. The write succeeds only if the
// persisted status still equals from; otherwise the caller lost a race and
// gets ErrConflict. This is the single write path for every transition.
func (s *Store) SaveTask(t *task.Task, from task.Status) error {
	questionsJSON, _ := json.Marshal(t.Questions)
	answersJSON, _ := json.Marshal(t.Answers)
	resultJSON, _ := json.Marshal(t.Result)

	res, err := s.db.Exec(`
		UPDATE tasks SET
			branch_name = ?, status = ?, plan = ?, questions = ?, answers = ?, plan_feedback = ?,
			issue_url = ?, issue_number = ?, pr_url = ?, pr_number = ?, commit_sha = ?,
			fix_attempts = ?, max_fix_attempts = ?,
			started_at = ?, completed_at = ?, result = ?, error = ?
		WHERE id = ? AND status = ?
	`, t.BranchName, t.Status, t.Plan, string(questionsJSON), string(answersJSON), t.PlanFeedback,
		t.IssueURL, t.IssueNumber, t.PRURL, t.PRNumber, t.CommitSHA,
		t.FixAttempts, t.MaxFixAttempts,
		nullTimeString(t.StartedAt), nullTimeString(t.CompletedAt), string(resultJSON), t.Error,
		t.ID, from)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save task rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a missing task from a lost race.
		var current task.Status
		err := s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, t.ID)
		}
		if err != nil {
			return fmt.Errorf("check task status: %w", err)
		}
		return fmt.Errorf("%w: task %s is %s, expected %s", errors.ErrConflict, t.ID, current, from)
	}
	return nil
}
