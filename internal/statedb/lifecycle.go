package statedb

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Run is the recorded outcome of one lifecycle phase for a target.
type Run struct {
	TargetID  string
	Phase     string
	Status    string
	Message   string
	UpdatedAt time.Time
}

// RecordLifecycle upserts the latest run of phase for targetID.
func (s *StateDB) RecordLifecycle(ctx context.Context, targetID, phase, status, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO lifecycle_runs (target_id, phase, status, message, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, targetID, phase, status, message, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: record %s/%s: %w", targetID, phase, err)
	}
	return nil
}

// LifecycleRuns returns every recorded phase for the given targets, ordered
// by target then phase.
func (s *StateDB) LifecycleRuns(ctx context.Context, targetIDs ...string) ([]Run, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	args := make([]any, len(targetIDs))
	for i, id := range targetIDs {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(targetIDs)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT target_id, phase, status, message, updated_at
		FROM lifecycle_runs WHERE target_id IN (`+placeholders+`)
		ORDER BY target_id, phase
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: lifecycle runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var ms int64
		if err := rows.Scan(&r.TargetID, &r.Phase, &r.Status, &r.Message, &ms); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearLifecycle drops all recorded phases for targetID.
func (s *StateDB) ClearLifecycle(ctx context.Context, targetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lifecycle_runs WHERE target_id = ?`, targetID)
	return err
}
