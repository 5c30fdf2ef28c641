// Package tmux is the terminal-session transport: it kills task sessions,
// clears their captured output and taps their live output through tmux
// control mode.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/asheshgoplani/taskdeck/internal/logging"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// SessionPrefix marks tmux sessions owned by taskdeck.
const SessionPrefix = "taskdeck_"

// ErrUnavailable is returned when the tmux binary cannot be run.
var ErrUnavailable = errors.New("tmux not available")

// SessionName maps a taskdeck session ID to its tmux session name. tmux
// rejects ':' and '.' in names, so the variant separator is rewritten.
func SessionName(sessionID string) string {
	r := strings.NewReplacer(":", "_", ".", "_")
	return SessionPrefix + r.Replace(sessionID)
}

// SessionIDFromName reverses SessionName. ok is false for sessions taskdeck
// does not own.
func SessionIDFromName(name string) (sessionID string, ok bool) {
	if !strings.HasPrefix(name, SessionPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, SessionPrefix)
	if id == "" {
		return "", false
	}
	return strings.ReplaceAll(id, "__", "::"), true
}

// IsAvailable checks if tmux is installed and accessible.
func IsAvailable(ctx context.Context) error {
	output, err := exec.CommandContext(ctx, "tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v (output: %s)", ErrUnavailable, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Sessions implements the orchestrator's session port on top of the tmux
// CLI. The zero value is ready to use.
type Sessions struct {
	// Binary overrides the tmux executable, mainly for tests.
	Binary string
}

func (s Sessions) command(ctx context.Context, args ...string) *exec.Cmd {
	bin := s.Binary
	if bin == "" {
		bin = "tmux"
	}
	return exec.CommandContext(ctx, bin, args...)
}

func (s Sessions) run(ctx context.Context, args ...string) error {
	output, err := s.command(ctx, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(output))
	if isMissing(msg) {
		return nil
	}
	return fmt.Errorf("tmux %s: %s: %w", args[0], msg, err)
}

// isMissing reports tmux errors meaning the target is already gone.
func isMissing(msg string) bool {
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "error connecting to")
}

// Kill terminates the session. A session that does not exist is not an
// error.
func (s Sessions) Kill(ctx context.Context, sessionID string) error {
	name := SessionName(sessionID)
	if err := s.run(ctx, "kill-session", "-t", name); err != nil {
		return err
	}
	sessionLog.Debug("session_killed", slog.String("session", sessionID))
	return nil
}

// ClearSnapshot drops the session's scrollback so a stale capture is not
// shown again.
func (s Sessions) ClearSnapshot(ctx context.Context, sessionID string) error {
	return s.run(ctx, "clear-history", "-t", SessionName(sessionID))
}

// Exists reports whether the session is running.
func (s Sessions) Exists(ctx context.Context, sessionID string) bool {
	return s.command(ctx, "has-session", "-t", SessionName(sessionID)).Run() == nil
}

// List returns the IDs of every running taskdeck session.
func (s Sessions) List(ctx context.Context) ([]string, error) {
	output, err := s.command(ctx, "list-sessions", "-F", "#{session_name}").CombinedOutput()
	if err != nil {
		if isMissing(string(output)) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %s: %w", strings.TrimSpace(string(output)), err)
	}
	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if id, ok := SessionIDFromName(strings.TrimSpace(line)); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
