// Package task holds the task, variant and conversation entities shared by
// the runtime-state components, plus the in-memory board the UI renders.
package task

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backend identifies what drives a conversation's status.
type Backend string

const (
	// BackendTerminal conversations are raw terminal sessions; status comes
	// from the activity aggregator.
	BackendTerminal Backend = "terminal"
	// BackendProtocol conversations speak a structured agent protocol;
	// status comes from the protocol source keyed by SessionKey.
	BackendProtocol Backend = "protocol"
)

// Valid reports whether b is a known backend kind.
func (b Backend) Valid() bool {
	return b == BackendTerminal || b == BackendProtocol
}

// Task is a unit of agent work bound to a working copy.
type Task struct {
	CreatedAt     time.Time      `json:"createdAt"`
	ArchivedAt    *time.Time     `json:"archivedAt,omitempty"`
	ID            string         `json:"id"`
	ProjectID     string         `json:"projectId"`
	Name          string         `json:"name"`
	Branch        string         `json:"branch,omitempty"`
	Path          string         `json:"path"`
	ProjectPath   string         `json:"projectPath"`
	Providers     []string       `json:"providers,omitempty"`
	Variants      []Variant      `json:"variants,omitempty"`
	Conversations []Conversation `json:"conversations,omitempty"`
	// UseWorktree is false when the task runs directly in the project
	// repository; its path is then never removed.
	UseWorktree bool `json:"useWorktree"`
}

// Variant is a parallel attempt of a task in its own working copy.
type Variant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Branch   string `json:"branch,omitempty"`
	Path     string `json:"path"`
}

// Conversation is a chat thread attached to a task.
type Conversation struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Provider   string  `json:"provider"`
	Backend    Backend `json:"backend"`
	SessionKey string  `json:"sessionKey,omitempty"`
}

// Target is a unit of lifecycle work: one per variant, or the task itself.
type Target struct {
	ID    string
	Path  string
	Label string
}

// NewID returns a short random identifier without dashes, so it can be
// embedded in session IDs.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// VariantTaskID is the synthetic identifier lifecycle scripts and sessions
// use for a variant.
func VariantTaskID(taskID, variantID string) string {
	return taskID + "::" + variantID
}

// Archived reports whether the task carries the archived marker.
func (t *Task) Archived() bool {
	return t.ArchivedAt != nil
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	c := *t
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		c.ArchivedAt = &at
	}
	c.Providers = append([]string(nil), t.Providers...)
	c.Variants = append([]Variant(nil), t.Variants...)
	c.Conversations = append([]Conversation(nil), t.Conversations...)
	return &c
}

// Targets lists the lifecycle targets: one per variant, or a single target
// for the task itself when it has no variants.
func (t *Task) Targets() []Target {
	if len(t.Variants) == 0 {
		return []Target{{ID: t.ID, Path: t.Path, Label: t.Name}}
	}
	out := make([]Target, 0, len(t.Variants))
	for _, v := range t.Variants {
		label := v.Name
		if label == "" {
			label = v.ID
		}
		out = append(out, Target{ID: VariantTaskID(t.ID, v.ID), Path: v.Path, Label: label})
	}
	return out
}

// TargetIDs returns the task ID followed by every variant's synthetic ID.
func (t *Task) TargetIDs() []string {
	ids := []string{t.ID}
	for _, v := range t.Variants {
		ids = append(ids, VariantTaskID(t.ID, v.ID))
	}
	return ids
}

// WorkingCopies lists the paths owned by the task (variant paths, or the
// task path). Empty when the task runs in the shared project repository.
func (t *Task) WorkingCopies() []string {
	if !t.UseWorktree {
		return nil
	}
	var paths []string
	for _, v := range t.Variants {
		if v.Path != "" {
			paths = append(paths, v.Path)
		}
	}
	if len(paths) == 0 && t.Path != "" {
		paths = append(paths, t.Path)
	}
	return paths
}

// SessionIDs lists every transport session that may belong to the task:
// main sessions per provider (or per variant), and chat sessions for every
// conversation.
func (t *Task) SessionIDs() []string {
	var ids []string
	if len(t.Variants) > 0 {
		for _, v := range t.Variants {
			ids = append(ids, MainSessionID(v.Provider, VariantTaskID(t.ID, v.ID)))
		}
	} else {
		for _, p := range t.Providers {
			ids = append(ids, MainSessionID(p, t.ID))
		}
	}
	for _, c := range t.Conversations {
		ids = append(ids, ChatSessionID(c.Provider, c.ID, t.ID))
	}
	return ids
}
