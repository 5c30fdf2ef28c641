package task

import (
	"fmt"
	"strings"
)

// SessionKind distinguishes a task's main agent session from chat sessions.
type SessionKind string

const (
	SessionMain SessionKind = "main"
	SessionChat SessionKind = "chat"
)

// SessionRef is a parsed session ID.
type SessionRef struct {
	Provider       string
	Kind           SessionKind
	ConversationID string
	// TaskID is the owning task. For variant sessions it is the parent task
	// and VariantID is set.
	TaskID    string
	VariantID string
}

// MainSessionID names the main session of provider for a task or variant ID.
func MainSessionID(provider, taskID string) string {
	return provider + "-main-" + taskID
}

// ChatSessionID names the session backing a conversation. The task ID must
// not contain '-'.
func ChatSessionID(provider, conversationID, taskID string) string {
	return provider + "-chat-" + conversationID + "-" + taskID
}

// markerIndex returns the position of the first kind marker in id, which
// is the provider boundary. Conversation IDs may themselves contain either
// marker.
func markerIndex(id string) (int, SessionKind) {
	m := strings.Index(id, "-main-")
	c := strings.Index(id, "-chat-")
	switch {
	case m < 0 && c < 0:
		return -1, ""
	case c < 0 || (m >= 0 && m < c):
		return m, SessionMain
	default:
		return c, SessionChat
	}
}

// ParseSessionID reverses MainSessionID and ChatSessionID.
func ParseSessionID(id string) (SessionRef, error) {
	i, kind := markerIndex(id)
	if i <= 0 {
		return SessionRef{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	provider, rest := id[:i], id[i+len("-main-"):]

	if kind == SessionMain {
		if rest == "" {
			return SessionRef{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
		}
		ref := SessionRef{Provider: provider, Kind: SessionMain, TaskID: rest}
		if taskID, variantID, ok := strings.Cut(rest, "::"); ok {
			ref.TaskID, ref.VariantID = taskID, variantID
		}
		return ref, nil
	}

	j := strings.LastIndex(rest, "-")
	if j <= 0 || j == len(rest)-1 {
		return SessionRef{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return SessionRef{
		Provider:       provider,
		Kind:           SessionChat,
		ConversationID: rest[:j],
		TaskID:         rest[j+1:],
	}, nil
}
