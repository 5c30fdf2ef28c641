package statedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/task"
)

// taskData is the JSON blob holding a task's nested collections.
type taskData struct {
	Providers     []string            `json:"providers,omitempty"`
	Variants      []task.Variant      `json:"variants,omitempty"`
	Conversations []task.Conversation `json:"conversations,omitempty"`
}

const taskColumns = `id, project_id, name, branch, path, project_path, use_worktree,
	created_at, archived_at, data`

// SaveTask inserts or replaces a task. New tasks are placed first in their
// project.
func (s *StateDB) SaveTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(taskData{Providers: t.Providers, Variants: t.Variants, Conversations: t.Conversations})
	if err != nil {
		return fmt.Errorf("statedb: encode task %s: %w", t.ID, err)
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MIN(sort_order), 0) - 1 FROM tasks WHERE project_id = ?))
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			branch = excluded.branch,
			path = excluded.path,
			project_path = excluded.project_path,
			use_worktree = excluded.use_worktree,
			archived_at = excluded.archived_at,
			data = excluded.data
	`,
		t.ID, t.ProjectID, t.Name, t.Branch, t.Path, t.ProjectPath, boolInt(t.UseWorktree),
		created.UnixMilli(), unixMilliPtr(t.ArchivedAt), string(data),
		t.ProjectID,
	)
	if err != nil {
		return fmt.Errorf("statedb: save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task, archived or not.
func (s *StateDB) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statedb: %s: %w", taskID, task.ErrTaskNotFound)
	}
	return t, err
}

// ListTasks returns the project's active tasks in display order.
func (s *StateDB) ListTasks(ctx context.Context, projectID string) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND archived_at IS NULL
		ORDER BY sort_order, created_at DESC`, projectID)
}

// ListArchived returns the project's archived tasks, most recent first.
func (s *StateDB) ListArchived(ctx context.Context, projectID string) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND archived_at IS NOT NULL
		ORDER BY archived_at DESC`, projectID)
}

// ListAll returns every task of every project.
func (s *StateDB) ListAll(ctx context.Context) ([]*task.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY project_id, sort_order`)
}

// ListProjects returns project IDs that have tasks.
func (s *StateDB) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM tasks ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("statedb: list projects: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteTask removes the task record and its lifecycle rows.
func (s *StateDB) DeleteTask(ctx context.Context, projectID, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statedb: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND project_id = ?`, taskID, projectID)
	if err != nil {
		return fmt.Errorf("statedb: delete task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("statedb: delete %s: %w", taskID, task.ErrTaskNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lifecycle_runs WHERE target_id = ? OR target_id LIKE ? ESCAPE '\'`,
		taskID, escapeLike(taskID)+"::%"); err != nil {
		return fmt.Errorf("statedb: delete lifecycle rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	storageLog.Info("task_deleted", slog.String("task", taskID), slog.String("project", projectID))
	return nil
}

// ArchiveTask sets the archived marker.
func (s *StateDB) ArchiveTask(ctx context.Context, projectID, taskID string) error {
	return s.setArchived(ctx, projectID, taskID, sql.NullInt64{Int64: s.now().UnixMilli(), Valid: true})
}

// RestoreTask clears the archived marker and moves the task to the top.
func (s *StateDB) RestoreTask(ctx context.Context, projectID, taskID string) error {
	return s.setArchived(ctx, projectID, taskID, sql.NullInt64{})
}

func (s *StateDB) setArchived(ctx context.Context, projectID, taskID string, at sql.NullInt64) error {
	query := `UPDATE tasks SET archived_at = ? WHERE id = ? AND project_id = ?`
	if !at.Valid {
		query = `UPDATE tasks SET archived_at = ?,
			sort_order = (SELECT COALESCE(MIN(sort_order), 0) - 1 FROM tasks WHERE project_id = ?3)
			WHERE id = ?2 AND project_id = ?3`
	}
	res, err := s.db.ExecContext(ctx, query, at, taskID, projectID)
	if err != nil {
		return fmt.Errorf("statedb: update archived %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("statedb: %s: %w", taskID, task.ErrTaskNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t         task.Task
		useWT     int
		created   int64
		archived  sql.NullInt64
		dataBlob  string
		collected taskData
	)
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Name, &t.Branch, &t.Path, &t.ProjectPath, &useWT,
		&created, &archived, &dataBlob); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataBlob), &collected); err != nil {
		return nil, fmt.Errorf("statedb: decode task %s: %w", t.ID, err)
	}
	t.UseWorktree = useWT != 0
	t.CreatedAt = time.UnixMilli(created)
	if archived.Valid {
		at := time.UnixMilli(archived.Int64)
		t.ArchivedAt = &at
	}
	t.Providers = collected.Providers
	t.Variants = collected.Variants
	t.Conversations = collected.Conversations
	return &t, nil
}

func (s *StateDB) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: query tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixMilliPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' || s[i] == '_' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
