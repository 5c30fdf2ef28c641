package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/asheshgoplani/taskdeck/internal/status"
)

// DotLabel names a dot the way the CLI prints it.
func DotLabel(d status.Dot) string {
	switch d {
	case status.DotReady:
		return "ready"
	case status.DotWorking:
		return "working"
	case status.DotError:
		return "error"
	case status.DotAttention:
		return "attention"
	case status.DotInactive:
		return "inactive"
	}
	return d.String()
}

// DotGlyph returns the symbol for a dot. Pulsing dots use frame to
// alternate between two glyphs; pass 0 for static output.
func DotGlyph(d status.Dot, frame int) string {
	if d.Style == status.Pulsing {
		if frame%2 == 1 {
			return "○"
		}
		return "◉"
	}
	return "●"
}

// RenderDot renders the dot glyph in its colour. Without colour support the
// label is appended so the state stays readable.
func RenderDot(d status.Dot, frame int) string {
	glyph := DotGlyph(d, frame)
	if !ColorEnabled() {
		return glyph + " " + DotLabel(d)
	}
	return lipgloss.NewStyle().Foreground(dotColor(d.Color)).Render(glyph)
}

func dotColor(c status.Color) lipgloss.Color {
	p := activeColors()
	switch c {
	case status.Green:
		return p.Green
	case status.Amber:
		return p.Amber
	case status.Red:
		return p.Red
	default:
		return p.Gray
	}
}
