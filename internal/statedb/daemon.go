package statedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DaemonTimeout is how stale a heartbeat may get before the daemon is
// considered dead.
const DaemonTimeout = 30 * time.Second

// RegisterDaemon records this process as a running serve daemon listening
// on addr.
func (s *StateDB) RegisterDaemon(ctx context.Context, addr string) error {
	now := s.now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daemon_heartbeats (pid, addr, started, heartbeat, is_primary)
		VALUES (?, ?, ?, ?, 0)
	`, s.pid, addr, now, now)
	return err
}

// Heartbeat refreshes this process' heartbeat.
func (s *StateDB) Heartbeat(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?",
		s.now().Unix(), s.pid,
	)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadDaemons drops heartbeats older than timeout.
func (s *StateDB) CleanDeadDaemons(ctx context.Context, timeout time.Duration) error {
	cutoff := s.now().Add(-timeout).Unix()
	_, err := s.db.ExecContext(ctx, "DELETE FROM daemon_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// ElectPrimary claims the primary slot unless another live daemon holds it.
// Returns true if this process is the primary.
func (s *StateDB) ElectPrimary(ctx context.Context, timeout time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := s.now().Add(-timeout).Unix()

	if _, err := tx.ExecContext(ctx,
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existing int
	err = tx.QueryRowContext(ctx,
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existing)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existing == s.pid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("statedb: query primary: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE daemon_heartbeats SET is_primary = 1 WHERE pid = ?", s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary gives up the primary slot.
func (s *StateDB) ResignPrimary(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE pid = ?", s.pid)
	return err
}

// PrimaryAddr returns the listen address of the live primary daemon, or ""
// when none is running.
func (s *StateDB) PrimaryAddr(ctx context.Context) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx,
		"SELECT addr FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		s.now().Add(-DaemonTimeout).Unix(),
	).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return addr, err
}
