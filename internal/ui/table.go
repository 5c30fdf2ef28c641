package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/asheshgoplani/taskdeck/internal/taskstate"
)

// Truncate shortens s to width display cells, ending in "...".
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	if width <= 3 {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.Truncate(s, width, "...")
}

// pad right-pads s to width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(Truncate(s, width), width)
}

// Age formats the time since t compactly ("45s", "12m", "3h", "4d").
func Age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// TableOptions control RenderTable.
type TableOptions struct {
	Width int
	Now   time.Time
	// Frame animates pulsing dots.
	Frame int
	// Selected is highlighted when non-empty.
	Selected string
}

// RenderTable writes one line per task: dot, name, project, branch, idle
// state and age. The name column absorbs whatever width is left.
func RenderTable(w io.Writer, views []taskstate.TaskView, opts TableOptions) error {
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, DimStyle.Render("no tasks"))
		return err
	}

	const (
		idW     = 12
		projW   = 14
		branchW = 18
		idleW   = 5
		ageW    = 4
	)
	dotW := runewidth.StringWidth(RenderDotPlain())
	nameW := opts.Width - dotW - idW - projW - branchW - idleW - ageW - 7
	if nameW < 10 {
		nameW = 10
	}

	header := strings.Join([]string{
		strings.Repeat(" ", dotW), pad("ID", idW), pad("NAME", nameW), pad("PROJECT", projW),
		pad("BRANCH", branchW), pad("IDLE", idleW), pad("AGE", ageW),
	}, " ")
	if _, err := fmt.Fprintln(w, DimStyle.Render(strings.TrimRight(header, " "))); err != nil {
		return err
	}

	for _, v := range views {
		t := v.Task
		dot := RenderDot(v.Dot, opts.Frame)
		if !ColorEnabled() {
			dot = pad(dot, dotW)
		}
		name := pad(t.Name, nameW)
		if t.ID == opts.Selected {
			name = TitleStyle.Render(name)
		}
		line := strings.Join([]string{
			dot, pad(t.ID, idW), name, pad(t.ProjectID, projW), pad(t.Branch, branchW),
			pad(string(v.Idle), idleW), pad(Age(opts.Now, t.CreatedAt), ageW),
		}, " ")
		if _, err := fmt.Fprintln(w, strings.TrimRight(line, " ")); err != nil {
			return err
		}
	}
	return nil
}

// RenderDotPlain is the widest uncoloured dot cell, used for column sizing.
func RenderDotPlain() string {
	if ColorEnabled() {
		return "●"
	}
	return "● attention"
}
