package tmux

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfNoTmuxServer(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not installed")
	}
}

// createTestSession starts a detached tmux session for a taskdeck session ID.
func createTestSession(t *testing.T, sessionID string) string {
	t.Helper()
	skipIfNoTmuxServer(t)

	name := SessionName(sessionID)
	require.NoError(t, exec.Command("tmux", "new-session", "-d", "-s", name).Run(),
		"failed to create test session %s", name)
	t.Cleanup(func() {
		_ = exec.Command("tmux", "kill-session", "-t", name).Run()
	})
	return name
}

func TestSessionNameRoundTrip(t *testing.T) {
	tests := []struct {
		id   string
		name string
	}{
		{"claude-main-abc123", "taskdeck_claude-main-abc123"},
		{"codex-main-abc123::v1", "taskdeck_codex-main-abc123__v1"},
		{"claude-chat-c1-abc123", "taskdeck_claude-chat-c1-abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.name, SessionName(tt.id))
			id, ok := SessionIDFromName(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.id, id)
		})
	}

	_, ok := SessionIDFromName("otherapp_session")
	assert.False(t, ok)
	_, ok = SessionIDFromName(SessionPrefix)
	assert.False(t, ok)
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"crlf", `done\015\012`, "done\r\n"},
		{"escape sequence", `\033[32mok\033[0m`, "\x1b[32mok\x1b[0m"},
		{"backslash", `a\134b`, `a\b`},
		{"truncated escape kept", `tail\01`, `tail\01`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(decodeOutput(tt.in)))
		})
	}
}

func TestParseOutputLine(t *testing.T) {
	payload, ok := parseOutputLine(`%output %3 Thinking\015\012`)
	require.True(t, ok)
	assert.Equal(t, "Thinking\r\n", string(payload))

	_, ok = parseOutputLine("%output garbage")
	assert.False(t, ok)
}

func TestSessionsKillMissingIsNotError(t *testing.T) {
	skipIfNoTmuxServer(t)
	ctx := context.Background()
	s := Sessions{}
	assert.NoError(t, s.Kill(ctx, "claude-main-doesnotexist"))
	assert.NoError(t, s.ClearSnapshot(ctx, "claude-main-doesnotexist"))
}

func TestSessionsKillAndList(t *testing.T) {
	id := "shell-main-tmuxtest1"
	createTestSession(t, id)
	ctx := context.Background()
	s := Sessions{}

	require.True(t, s.Exists(ctx, id))
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, id)

	require.NoError(t, s.ClearSnapshot(ctx, id))
	require.NoError(t, s.Kill(ctx, id))
	assert.False(t, s.Exists(ctx, id))
}

type tapEvents struct {
	mu      sync.Mutex
	started []string
	ended   []string
	output  map[string][]byte
}

func (e *tapEvents) callbacks() Callbacks {
	e.output = make(map[string][]byte)
	return Callbacks{
		OnStart: func(id string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.started = append(e.started, id)
		},
		OnOutput: func(id string, data []byte) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.output[id] = append(e.output[id], data...)
		},
		OnEnd: func(id string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.ended = append(e.ended, id)
		},
	}
}

func TestTapSyncWithFakeList(t *testing.T) {
	var ev tapEvents
	tap := NewTap(context.Background(), "", ev.callbacks())
	defer tap.Close()

	// Pretend a session was reported earlier and has since vanished.
	tap.known["claude-main-gone"] = true
	tap.list = func(context.Context) ([]string, error) { return nil, nil }

	require.NoError(t, tap.Sync(context.Background()))
	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Equal(t, []string{"claude-main-gone"}, ev.ended)
	assert.Empty(t, ev.started)
}

func TestTapForwardsOutput(t *testing.T) {
	id := "shell-main-taptest1"
	name := createTestSession(t, id)

	var ev tapEvents
	tap := NewTap(context.Background(), "", ev.callbacks())
	defer tap.Close()

	require.NoError(t, tap.Sync(context.Background()))
	require.True(t, tap.Connected(id))
	assert.Equal(t, 1, tap.ConnectedCount())

	time.Sleep(200 * time.Millisecond)
	_ = exec.Command("tmux", "send-keys", "-t", name, "echo tap-output-test", "Enter").Run()

	require.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.output[id]) > 0
	}, 3*time.Second, 50*time.Millisecond)

	ev.mu.Lock()
	assert.Equal(t, []string{id}, ev.started)
	ev.mu.Unlock()

	tap.Disconnect(id)
	assert.False(t, tap.Connected(id))
	ev.mu.Lock()
	assert.Equal(t, []string{id}, ev.ended)
	ev.mu.Unlock()
}
