package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/inbox"
)

const itemSelectColumns = `id, task_id, item_type, priority, title, content, context, options,
       status, response, responded_at, read_at, created_at, expires_at`

// CreateItem inserts a new queue item.
func (s *Store) CreateItem(it *inbox.Item) error {
	contextJSON, _ := json.Marshal(it.Context)
	optionsJSON, _ := json.Marshal(it.Options)

	_, err := s.db.Exec(`
		INSERT INTO queue_items (
			id, task_id, item_type, priority, title, content, context, options,
			status, response, responded_at, read_at, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?)
	`, it.ID, it.TaskID, it.Kind, it.Prio, it.Title, it.Content,
		string(contextJSON), string(optionsJSON), it.Status,
		it.CreatedAt.UTC().Format(time.RFC3339), nullTimeString(it.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert queue item %s: %w", it.ID, err)
	}
	return nil
}

// scanItemRow scans a queue item row.
func scanItemRow(row taskRowScanner) (*inbox.Item, error) {
	var it inbox.Item
	var taskID, content, contextJSON, optionsJSON, responseJSON sql.NullString
	var respondedAt, readAt, expiresAt sql.NullString
	var createdAt string

	err := row.Scan(
		&it.ID, &taskID, &it.Kind, &it.Prio, &it.Title, &content, &contextJSON, &optionsJSON,
		&it.Status, &responseJSON, &respondedAt, &readAt, &createdAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	it.TaskID = taskID.String
	it.Content = content.String
	it.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	it.RespondedAt = parseNullTime(respondedAt)
	it.ReadAt = parseNullTime(readAt)
	it.ExpiresAt = parseNullTime(expiresAt)

	if contextJSON.Valid && contextJSON.String != "" && contextJSON.String != "null" {
		_ = json.Unmarshal([]byte(contextJSON.String), &it.Context)
	}
	if optionsJSON.Valid && optionsJSON.String != "" && optionsJSON.String != "null" {
		_ = json.Unmarshal([]byte(optionsJSON.String), &it.Options)
	}
	if responseJSON.Valid && responseJSON.String != "" && responseJSON.String != "null" {
		_ = json.Unmarshal([]byte(responseJSON.String), &it.Response)
	}

	return &it, nil
}

// GetItem retrieves a queue item by ID.
func (s *Store) GetItem(id string) (*inbox.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemSelectColumns+` FROM queue_items WHERE id = ?`, id)

	it, err := scanItemRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", errors.ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue item: %w", err)
	}
	return it, nil
}

// ListItems returns queue items, optionally filtered by status and task,
// newest first.
func (s *Store) ListItems(status inbox.ItemStatus, taskID string) ([]*inbox.Item, error) {
	query := `SELECT ` + itemSelectColumns + ` FROM queue_items WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if taskID != "" {
		query += ` AND task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*inbox.Item
	for rows.Next() {
		it, err := scanItemRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// PendingBlockingItem returns the task's currently pending blocking item
// (question batch or plan review), or nil if none exists. A task has at
// most one at any time.
func (s *Store) PendingBlockingItem(taskID string) (*inbox.Item, error) {
	row := s.db.QueryRow(`
		SELECT `+itemSelectColumns+` FROM queue_items
		WHERE task_id = ? AND status = ? AND item_type IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, taskID, inbox.StatusPending, inbox.KindQuestion, inbox.KindPlanReady)

	it, err := scanItemRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query blocking item: %w", err)
	}
	return it, nil
}

// RespondItem marks a pending item as responded with the given payload.
// The write is optimistic: it only succeeds if the item is still pending,
// so a second responder gets ErrItemNotPending instead of overwriting.
func (s *Store) RespondItem(id string, response map[string]any, now time.Time) error {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE queue_items
		SET status = ?, response = ?, responded_at = ?
		WHERE id = ? AND status = ?
	`, inbox.StatusResponded, string(responseJSON), now.UTC().Format(time.RFC3339),
		id, inbox.StatusPending)
	if err != nil {
		return fmt.Errorf("respond to queue item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("respond rows affected: %w", err)
	}
	if affected == 0 {
		var status inbox.ItemStatus
		err := s.db.QueryRow(`SELECT status FROM queue_items WHERE id = ?`, id).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", errors.ErrItemNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("check item status: %w", err)
		}
		return fmt.Errorf("%w: item %s is %s", errors.ErrItemNotPending, id, status)
	}
	return nil
}

// ExpireItem marks a pending item as expired. No-op if already resolved.
func (s *Store) ExpireItem(id string, now time.Time) error {
	_, err := s.db.Exec(`
		UPDATE queue_items SET status = ? WHERE id = ? AND status = ?
	`, inbox.StatusExpired, id, inbox.StatusPending)
	if err != nil {
		return fmt.Errorf("expire queue item: %w", err)
	}
	return nil
}

// MarkItemRead records that a human has seen the item. Read tracking is
// independent of resolution.
func (s *Store) MarkItemRead(id string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE queue_items SET read_at = ? WHERE id = ? AND read_at IS NULL
	`, now.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark queue item read: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// Already read, or missing. Verify existence so callers get a real error.
		var exists int
		if err := s.db.QueryRow(`SELECT 1 FROM queue_items WHERE id = ?`, id).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", errors.ErrItemNotFound, id)
		}
	}
	return nil
}

// UnreadCount returns the number of pending items not yet marked read.
func (s *Store) UnreadCount() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queue_items WHERE status = ? AND read_at IS NULL
	`, inbox.StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread items: %w", err)
	}
	return n, nil
}
