// Package ui renders task state for terminals: coloured status dots, the
// task table, task lookup by name and the live watch view.
package ui

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme represents the current color scheme
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

type palette struct {
	Text, TextDim, Accent   lipgloss.Color
	Green, Amber, Red, Gray lipgloss.Color
}

// Tokyo Night
var darkColors = palette{
	Text:    lipgloss.Color("#c0caf5"),
	TextDim: lipgloss.Color("#787fa0"),
	Accent:  lipgloss.Color("#7aa2f7"),
	Green:   lipgloss.Color("#9ece6a"),
	Amber:   lipgloss.Color("#e0af68"),
	Red:     lipgloss.Color("#f7768e"),
	Gray:    lipgloss.Color("#565f89"),
}

var lightColors = palette{
	Text:    lipgloss.Color("#343b58"),
	TextDim: lipgloss.Color("#6a6d7c"),
	Accent:  lipgloss.Color("#34548a"),
	Green:   lipgloss.Color("#485e30"),
	Amber:   lipgloss.Color("#8f5e15"),
	Red:     lipgloss.Color("#8c4351"),
	Gray:    lipgloss.Color("#9699a3"),
}

var (
	themeMu      sync.RWMutex
	currentTheme = ThemeDark
	colors       = darkColors
)

var (
	TitleStyle   lipgloss.Style
	DimStyle     lipgloss.Style
	ErrorStyle   lipgloss.Style
	SuccessStyle lipgloss.Style
	WarningStyle lipgloss.Style
	InfoStyle    lipgloss.Style
)

// InitTheme sets the active palette. Anything other than "light" is dark.
func InitTheme(theme string) {
	themeMu.Lock()
	defer themeMu.Unlock()
	if theme == string(ThemeLight) {
		currentTheme, colors = ThemeLight, lightColors
	} else {
		currentTheme, colors = ThemeDark, darkColors
	}
	TitleStyle = lipgloss.NewStyle().Foreground(colors.Accent).Bold(true)
	DimStyle = lipgloss.NewStyle().Foreground(colors.TextDim)
	ErrorStyle = lipgloss.NewStyle().Foreground(colors.Red)
	SuccessStyle = lipgloss.NewStyle().Foreground(colors.Green)
	WarningStyle = lipgloss.NewStyle().Foreground(colors.Amber)
	InfoStyle = lipgloss.NewStyle().Foreground(colors.Text)
}

// CurrentTheme returns the active theme.
func CurrentTheme() Theme {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return currentTheme
}

func activeColors() palette {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return colors
}

func init() {
	InitTheme("dark")
}

// InitColorProfile picks the lipgloss color profile. TASKDECK_COLOR
// (truecolor, 256, 16, none) overrides detection; NO_COLOR or a non-TTY
// stdout turns colour off.
func InitColorProfile() {
	switch strings.ToLower(os.Getenv("TASKDECK_COLOR")) {
	case "truecolor", "true", "24bit":
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	case "256", "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
		return
	case "16", "ansi", "basic":
		lipgloss.SetColorProfile(termenv.ANSI)
		return
	case "none", "off", "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	if os.Getenv("NO_COLOR") != "" || !IsTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	if ct := os.Getenv("COLORTERM"); ct == "truecolor" || ct == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

// ColorEnabled reports whether styles currently emit colour.
func ColorEnabled() bool {
	return lipgloss.ColorProfile() != termenv.Ascii
}
