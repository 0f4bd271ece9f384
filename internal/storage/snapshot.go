// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/tasksync/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrDatabaseError = errors.New("database error")
	ErrInvalidPath   = errors.New("invalid path")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id       TEXT PRIMARY KEY,
	revision INTEGER NOT NULL,
	payload  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS unread (
	task_id TEXT PRIMARY KEY,
	count   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// SnapshotStore persists the session's last known state in SQLite.
type SnapshotStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the snapshot database at path.
func Open(path string) (*SnapshotStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty snapshot path", ErrInvalidPath)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SnapshotStore{db: db, path: path}, nil
}

// Close closes the snapshot database.
func (s *SnapshotStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *SnapshotStore) Path() string {
	return s.path
}

// =============================================================================
// SAVE
// =============================================================================

// Save replaces the stored snapshot with the given task set and unread
// counts. The write is transactional: a failed save leaves the previous
// snapshot intact.
func (s *SnapshotStore) Save(tasks []*model.Task, unread map[string]int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM tasks"); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if _, err := tx.Exec("DELETE FROM unread"); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	for _, task := range tasks {
		payload, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to encode task %s: %w", task.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO tasks (id, revision, payload) VALUES (?, ?, ?)",
			task.ID, task.Revision, string(payload),
		); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}

	for taskID, count := range unread {
		if count <= 0 {
			continue
		}
		if _, err := tx.Exec(
			"INSERT INTO unread (task_id, count) VALUES (?, ?)",
			taskID, count,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('saved_at', ?)",
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}

	return tx.Commit()
}

// =============================================================================
// LOAD
// =============================================================================

// LoadTasks returns the snapshot's task set. Rows that fail to decode are
// skipped rather than failing the whole load.
func (s *SnapshotStore) LoadTasks() ([]*model.Task, error) {
	rows, err := s.db.Query("SELECT payload FROM tasks")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		var task model.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// LoadUnread returns the snapshot's unread counts.
func (s *SnapshotStore) LoadUnread() (map[string]int, error) {
	rows, err := s.db.Query("SELECT task_id, count FROM unread")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var taskID string
		var count int
		if err := rows.Scan(&taskID, &count); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		counts[taskID] = count
	}
	return counts, rows.Err()
}

// SavedAt returns when the snapshot was last written, or the zero time if
// no snapshot has been saved.
func (s *SnapshotStore) SavedAt() (time.Time, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'saved_at'").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return time.Parse(time.RFC3339, value)
}
