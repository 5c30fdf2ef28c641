// Package statedb persists tasks, their archived marker and lifecycle
// bookkeeping in SQLite.
package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/asheshgoplani/taskdeck/internal/logging"
)

var storageLog = logging.ForComponent(logging.CompStorage)

// SchemaVersion is bumped with every schema change.
const SchemaVersion = 1

// FileName is the database file inside the taskdeck home.
const FileName = "state.db"

// StateDB wraps the SQLite database. Safe for concurrent use within one
// process; several processes can share it through WAL mode and the busy
// timeout.
type StateDB struct {
	db  *sql.DB
	pid int
	now func() time.Time
}

// Open creates or opens the database at dbPath.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// Pragmas are per connection; a single writer connection keeps them in force.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ name, stmt string }{
		{"wal mode", "PRAGMA journal_mode=WAL"},
		{"busy timeout", "PRAGMA busy_timeout=5000"},
		{"foreign keys", "PRAGMA foreign_keys=ON"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p.name, err)
		}
	}

	return &StateDB{db: db, pid: os.Getpid(), now: time.Now}, nil
}

// Close checkpoints the WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates missing tables and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []struct{ name, ddl string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"tasks", `
			CREATE TABLE IF NOT EXISTS tasks (
				id           TEXT PRIMARY KEY,
				project_id   TEXT NOT NULL,
				name         TEXT NOT NULL,
				branch       TEXT NOT NULL DEFAULT '',
				path         TEXT NOT NULL DEFAULT '',
				project_path TEXT NOT NULL DEFAULT '',
				use_worktree INTEGER NOT NULL DEFAULT 1,
				sort_order   INTEGER NOT NULL DEFAULT 0,
				created_at   INTEGER NOT NULL,
				archived_at  INTEGER,
				data         TEXT NOT NULL DEFAULT '{}'
			)`},
		{"tasks index", `CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id, archived_at)`},
		{"lifecycle_runs", `
			CREATE TABLE IF NOT EXISTS lifecycle_runs (
				target_id  TEXT NOT NULL,
				phase      TEXT NOT NULL,
				status     TEXT NOT NULL,
				message    TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (target_id, phase)
			)`},
		{"daemon_heartbeats", `
			CREATE TABLE IF NOT EXISTS daemon_heartbeats (
				pid        INTEGER PRIMARY KEY,
				addr       TEXT NOT NULL DEFAULT '',
				started    INTEGER NOT NULL,
				heartbeat  INTEGER NOT NULL,
				is_primary INTEGER NOT NULL DEFAULT 0
			)`},
	}
	for _, t := range tables {
		if _, err := tx.Exec(t.ddl); err != nil {
			return fmt.Errorf("statedb: create %s: %w", t.name, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}

// SetMeta stores a metadata value.
func (s *StateDB) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns a metadata value, or "" if unset.
func (s *StateDB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Touch bumps the last_modified marker other processes poll for changes.
func (s *StateDB) Touch(ctx context.Context) error {
	return s.SetMeta(ctx, "last_modified", strconv.FormatInt(s.now().UnixNano(), 10))
}

// LastModified returns the last_modified marker, 0 if never touched.
func (s *StateDB) LastModified(ctx context.Context) (int64, error) {
	val, err := s.GetMeta(ctx, "last_modified")
	if err != nil || val == "" {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
