package ui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/taskdeck/internal/idle"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
)

func TestMain(m *testing.M) {
	lipgloss.SetColorProfile(termenv.Ascii)
	os.Exit(m.Run())
}

func TestDotLabel(t *testing.T) {
	tests := []struct {
		dot  status.Dot
		want string
	}{
		{status.DotReady, "ready"},
		{status.DotWorking, "working"},
		{status.DotError, "error"},
		{status.DotAttention, "attention"},
		{status.DotInactive, "inactive"},
		{status.Dot{Color: "blue", Style: status.Solid}, "blue-solid"},
	}
	for _, tt := range tests {
		if got := DotLabel(tt.dot); got != tt.want {
			t.Errorf("DotLabel(%v) = %q, want %q", tt.dot, got, tt.want)
		}
	}
}

func TestRenderDotWithoutColor(t *testing.T) {
	if got := RenderDot(status.DotWorking, 0); got != "◉ working" {
		t.Fatalf("got %q", got)
	}
	if got := RenderDot(status.DotWorking, 1); got != "○ working" {
		t.Fatalf("pulsing frame 1: got %q", got)
	}
	if got := RenderDot(status.DotError, 1); got != "● error" {
		t.Fatalf("solid dots do not pulse: got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := Truncate("a longer task name", 10); got != "a longe..." {
		t.Errorf("got %q", got)
	}
	if got := Truncate("日本語のタスク", 7); got != "日本..." {
		t.Errorf("wide runes: got %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Errorf("zero width: got %q", got)
	}
}

func TestAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := Age(now, now.Add(-tt.ago)); got != tt.want {
			t.Errorf("Age(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
	if got := Age(now, time.Time{}); got != "-" {
		t.Errorf("zero time: got %q", got)
	}
}

func sampleTasks() []*task.Task {
	return []*task.Task{
		{ID: "a1b2c3d4e5f6", Name: "fix login redirect", ProjectID: "web"},
		{ID: "a1ffffffffff", Name: "add billing page", ProjectID: "web"},
		{ID: "9z8y7x6w5v4u", Name: "Refactor cache", ProjectID: "api"},
	}
}

func TestResolveTask(t *testing.T) {
	tasks := sampleTasks()

	got, err := ResolveTask(tasks, "9z8y7x6w5v4u")
	if err != nil || got.Name != "Refactor cache" {
		t.Fatalf("exact id: %v %v", got, err)
	}
	got, err = ResolveTask(tasks, "a1b")
	if err != nil || got.ID != "a1b2c3d4e5f6" {
		t.Fatalf("id prefix: %v %v", got, err)
	}
	got, err = ResolveTask(tasks, "refactor CACHE")
	if err != nil || got.ID != "9z8y7x6w5v4u" {
		t.Fatalf("name: %v %v", got, err)
	}
	got, err = ResolveTask(tasks, "billing")
	if err != nil || got.ID != "a1ffffffffff" {
		t.Fatalf("fuzzy: %v %v", got, err)
	}

	_, err = ResolveTask(tasks, "a1")
	var amb *AmbiguousError
	if !errors.As(err, &amb) || len(amb.Candidates) != 2 {
		t.Fatalf("expected ambiguous prefix, got %v", err)
	}
	if !errors.Is(err, ErrAmbiguous) {
		t.Fatal("AmbiguousError should unwrap to ErrAmbiguous")
	}

	if _, err := ResolveTask(tasks, "qqqq"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected no match, got %v", err)
	}
	if _, err := ResolveTask(tasks, "  "); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected no match for blank query, got %v", err)
	}
}

func sampleViews() []taskstate.TaskView {
	now := time.Unix(1_700_000_000, 0)
	return []taskstate.TaskView{
		{
			Task: &task.Task{ID: "a1", Name: "fix login", ProjectID: "web", Branch: "fix/login", CreatedAt: now.Add(-2 * time.Hour)},
			Dot:  status.DotWorking, Busy: true, Idle: idle.StatusBusy,
		},
		{
			Task: &task.Task{ID: "b2", Name: "docs", ProjectID: "web", CreatedAt: now.Add(-3 * time.Minute)},
			Dot:  status.DotReady, Idle: idle.StatusIdle,
		},
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	err := RenderTable(&buf, sampleViews(), TableOptions{Width: 100, Now: time.Unix(1_700_000_000, 0)})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "NAME") || !strings.Contains(lines[0], "BRANCH") {
		t.Errorf("header: %q", lines[0])
	}
	if !strings.Contains(lines[1], "◉ working") || !strings.Contains(lines[1], "fix/login") || !strings.Contains(lines[1], "2h") {
		t.Errorf("row 1: %q", lines[1])
	}
	if !strings.Contains(lines[2], "● ready") || !strings.Contains(lines[2], "3m") {
		t.Errorf("row 2: %q", lines[2])
	}
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderTable(&buf, nil, TableOptions{}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "no tasks") {
		t.Fatalf("got %q", buf.String())
	}
}

func TestWatchModel(t *testing.T) {
	views := sampleViews()
	m := NewWatchModel(context.Background(), func(context.Context) ([]taskstate.TaskView, error) {
		return views, nil
	}, time.Second)

	msg := m.load()()
	next, cmd := m.Update(msg)
	m = next.(WatchModel)
	if cmd == nil {
		t.Fatal("expected the next poll to be scheduled")
	}
	if len(m.views) != 2 || m.Busy() != 1 {
		t.Fatalf("views=%d busy=%d", len(m.views), m.Busy())
	}
	if !strings.Contains(m.View(), "1 working") {
		t.Errorf("view should report working tasks:\n%s", m.View())
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(WatchModel)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(WatchModel)
	if m.cursor != 1 {
		t.Errorf("cursor should stop at the last row, got %d", m.cursor)
	}

	next, _ = m.Update(viewsMsg{err: errors.New("daemon gone")})
	m = next.(WatchModel)
	if len(m.views) != 2 || !strings.Contains(m.View(), "daemon gone") {
		t.Errorf("failed refresh should keep old rows and show the error")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should return tea.Quit")
	}
}
