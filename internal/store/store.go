// Package store is the durable persistence boundary for tasks, queue items,
// and external-reference bookkeeping. It contains no business logic: the
// orchestrator owns every state decision, the store only makes transitions
// atomic and optimistic.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed durable store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the store in the given directory. Pass ":memory:"
// for an ephemeral store in tests.
func Open(dataDir string) (*Store, error) {
	var dbPath string
	if dataDir == ":memory:" {
		dbPath = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "foreman.db")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps :memory: stores coherent and sidesteps
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		description TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		branch_name TEXT,
		base_branch TEXT,
		model TEXT,
		status TEXT NOT NULL,
		plan TEXT,
		questions TEXT,               -- JSON array of pending questions
		answers TEXT,                 -- JSON map of question_id -> answer
		plan_feedback TEXT,
		issue_url TEXT,
		issue_number INTEGER,
		pr_url TEXT,
		pr_number INTEGER,
		commit_sha TEXT,
		fix_attempts INTEGER NOT NULL DEFAULT 0,
		max_fix_attempts INTEGER NOT NULL DEFAULT 5,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		result TEXT,                  -- JSON map, terminal only
		error TEXT                    -- terminal only
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		task_id TEXT,
		item_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT,
		context TEXT,                 -- JSON map
		options TEXT,                 -- JSON array
		status TEXT NOT NULL,
		response TEXT,                -- JSON map
		responded_at TEXT,
		read_at TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT
	);

	-- Idempotency ledger for external side effects. A row exists iff the
	-- external artifact of that kind was already created for the task, so
	-- replaying a step after a crash observes the artifact instead of
	-- creating a second one.
	CREATE TABLE IF NOT EXISTS external_refs (
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		ref TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (task_id, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_queue_items_task ON queue_items(task_id);
	CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
