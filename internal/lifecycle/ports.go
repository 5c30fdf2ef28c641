package lifecycle

import (
	"context"

	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

// Scripts runs the per-target lifecycle scripts.
type Scripts interface {
	Setup(ctx context.Context, projectID, projectPath string, target task.Target) error
	Stop(ctx context.Context, projectID, projectPath string, target task.Target) error
	Teardown(ctx context.Context, projectID, projectPath string, target task.Target) error
	Clear(ctx context.Context, targetID string) error
}

// Sessions controls transport sessions.
type Sessions interface {
	Kill(ctx context.Context, sessionID string) error
	ClearSnapshot(ctx context.Context, sessionID string) error
}

// Store is the authoritative task record store.
type Store interface {
	DeleteTask(ctx context.Context, projectID, taskID string) error
	ArchiveTask(ctx context.Context, projectID, taskID string) error
	RestoreTask(ctx context.Context, projectID, taskID string) error
	ListTasks(ctx context.Context, projectID string) ([]*task.Task, error)
}

// WorkingCopies removes and verifies task working copies.
type WorkingCopies interface {
	Remove(ctx context.Context, projectPath, path string) error
	Exists(path string) bool
}

// RuntimeState is any component holding per-task runtime state that must be
// released once a task is gone.
type RuntimeState interface {
	RemoveTask(taskID string)
}

// DotSource is the merged status stream auto-archive watches.
type DotSource interface {
	Subscribe(taskID string, fn status.Listener) status.SubscriptionID
	Unsubscribe(id status.SubscriptionID)
}

// Level grades a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a user-facing message about an operation.
type Notice struct {
	Level   Level  `json:"level"`
	TaskID  string `json:"taskId"`
	Message string `json:"message"`
}

// Notifier delivers notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }
