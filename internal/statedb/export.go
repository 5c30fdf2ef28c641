package statedb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/task"
)

// Snapshot is the portable JSON form of the task store.
type Snapshot struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exportedAt"`
	Tasks      []*task.Task `json:"tasks"`
	Lifecycle  []Run        `json:"lifecycle,omitempty"`
}

// ExportJSON writes every task and lifecycle run to path atomically.
func (s *StateDB) ExportJSON(ctx context.Context, path string) (int, error) {
	tasks, err := s.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	var ids []string
	for _, t := range tasks {
		ids = append(ids, t.TargetIDs()...)
	}
	runs, err := s.LifecycleRuns(ctx, ids...)
	if err != nil {
		return 0, err
	}

	data, err := json.MarshalIndent(Snapshot{
		Version:    SchemaVersion,
		ExportedAt: s.now().UTC(),
		Tasks:      tasks,
		Lifecycle:  runs,
	}, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("statedb: encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return 0, fmt.Errorf("statedb: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("statedb: rename snapshot: %w", err)
	}
	return len(tasks), nil
}

// ImportJSON loads a snapshot written by ExportJSON. Existing tasks with the
// same ID are replaced. Returns the number of tasks imported.
func (s *StateDB) ImportJSON(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("statedb: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("statedb: parse snapshot: %w", err)
	}
	if snap.Version > SchemaVersion {
		return 0, fmt.Errorf("statedb: snapshot version %d is newer than %d", snap.Version, SchemaVersion)
	}

	imported := 0
	for _, t := range snap.Tasks {
		if t == nil || t.ID == "" || t.ProjectID == "" {
			storageLog.Warn("import_skipped_task", slog.String("path", path))
			continue
		}
		if err := s.SaveTask(ctx, t); err != nil {
			return imported, err
		}
		imported++
	}
	for _, r := range snap.Lifecycle {
		if err := s.RecordLifecycle(ctx, r.TargetID, r.Phase, r.Status, r.Message); err != nil {
			return imported, err
		}
	}
	if err := s.Touch(ctx); err != nil {
		return imported, err
	}
	storageLog.Info("snapshot_imported", slog.String("path", path), slog.Int("tasks", imported))
	return imported, nil
}
