package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
)

// FetchFunc loads the tasks the watch view shows.
type FetchFunc func(ctx context.Context) ([]taskstate.TaskView, error)

type viewsMsg struct {
	views []taskstate.TaskView
	err   error
	at    time.Time
}

type pollMsg struct{}

type pulseMsg struct{}

const pulseInterval = 600 * time.Millisecond

// WatchModel is the live task view.
type WatchModel struct {
	ctx      context.Context
	fetch    FetchFunc
	interval time.Duration

	spinner spinner.Model
	views   []taskstate.TaskView
	err     error
	updated time.Time
	cursor  int
	frame   int
	width   int
}

// NewWatchModel polls fetch every interval.
func NewWatchModel(ctx context.Context, fetch FetchFunc, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = time.Second
	}
	sp := spinner.New(spinner.WithSpinner(spinner.MiniDot))
	sp.Style = WarningStyle
	return WatchModel{
		ctx:      ctx,
		fetch:    fetch,
		interval: interval,
		spinner:  sp,
		width:    defaultWidth,
	}
}

func (m WatchModel) load() tea.Cmd {
	return func() tea.Msg {
		views, err := m.fetch(m.ctx)
		return viewsMsg{views: views, err: err, at: time.Now()}
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.load(), m.spinner.Tick, pulse())
}

func pulse() tea.Cmd {
	return tea.Tick(pulseInterval, func(time.Time) tea.Msg { return pulseMsg{} })
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.load()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.views)-1 {
				m.cursor++
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case viewsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.views = msg.views
			m.updated = msg.at
			if m.cursor >= len(m.views) {
				m.cursor = max(len(m.views)-1, 0)
			}
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollMsg{} })

	case pollMsg:
		return m, m.load()

	case pulseMsg:
		m.frame++
		return m, pulse()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// Busy counts tasks with a working dot.
func (m WatchModel) Busy() int {
	n := 0
	for _, v := range m.views {
		if v.Dot == status.DotWorking {
			n++
		}
	}
	return n
}

func (m WatchModel) View() string {
	var b strings.Builder

	title := TitleStyle.Render("taskdeck")
	busy := m.Busy()
	if busy > 0 {
		title += " " + m.spinner.View() + WarningStyle.Render(fmt.Sprintf(" %d working", busy))
	}
	b.WriteString(title)
	b.WriteString(DimStyle.Render(fmt.Sprintf("  %d tasks", len(m.views))))
	b.WriteString("\n\n")

	selected := ""
	if m.cursor < len(m.views) {
		selected = m.views[m.cursor].Task.ID
	}
	_ = RenderTable(&b, m.views, TableOptions{Width: m.width, Frame: m.frame, Selected: selected})

	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(ErrorStyle.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	footer := "q quit · r refresh · ↑/↓ move"
	if !m.updated.IsZero() {
		footer += " · updated " + m.updated.Format("15:04:05")
	}
	b.WriteString(DimStyle.Render(footer))
	return b.String()
}

// RunWatch runs the watch view until the user quits or ctx ends.
func RunWatch(ctx context.Context, fetch FetchFunc, interval time.Duration) error {
	p := tea.NewProgram(NewWatchModel(ctx, fetch, interval), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
