package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Reference kinds recorded in the idempotency ledger.
const (
	RefExecutor      = "executor"       // provisioned sandbox handle
	RefPlanRecord    = "plan_record"    // external planning record (issue)
	RefChangeRequest = "change_request" // external reviewable change-set (PR)
)

// GetRef returns the stored external reference of the given kind for a task,
// or "" if none was recorded. Every external-creation step checks this
// before calling out, so replay after a crash is a no-op.
func (s *Store) GetRef(taskID, kind string) (string, error) {
	var ref string
	err := s.db.QueryRow(`
		SELECT ref FROM external_refs WHERE task_id = ? AND kind = ?
	`, taskID, kind).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query external ref: %w", err)
	}
	return ref, nil
}

// PutRef records an external reference. Recording the same kind twice for a
// task keeps the first value: the artifact it names already exists.
func (s *Store) PutRef(taskID, kind, ref string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO external_refs (task_id, kind, ref, created_at)
		VALUES (?, ?, ?, ?)
	`, taskID, kind, ref, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record external ref: %w", err)
	}
	return nil
}

// DeleteRef removes a stored reference. Used when a sandbox is torn down so
// a retried task provisions a fresh one.
func (s *Store) DeleteRef(taskID, kind string) error {
	_, err := s.db.Exec(`DELETE FROM external_refs WHERE task_id = ? AND kind = ?`, taskID, kind)
	if err != nil {
		return fmt.Errorf("delete external ref: %w", err)
	}
	return nil
}
