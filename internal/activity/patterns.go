package activity

import (
	"errors"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/asheshgoplani/taskdeck/internal/logging"
)

var activityLog = logging.ForComponent(logging.CompActivity)

// RawPatterns is the string form of one session kind's grammar, as written
// in config. Entries prefixed with "re:" are regular expressions; anything
// else is a substring match (case-insensitive for busy, exact for idle).
type RawPatterns struct {
	Busy          []string `toml:"busy"`
	Idle          []string `toml:"idle"`
	SpinnerChars  []string `toml:"spinner_chars"`
	ThinkingWords []string `toml:"thinking_words"`
}

// Grammar is a compiled RawPatterns.
type Grammar struct {
	busyStrings []string
	busyRegexps []*regexp.Regexp
	idleStrings []string
	idleRegexps []*regexp.Regexp
	spinners    map[rune]bool

	// spinner glyph, text, unicode ellipsis: "✢ Pondering… (12s)"
	spinnerActive *regexp.Regexp
	// spinner glyph followed by a known thinking word
	thinking *regexp.Regexp
}

// Kinds lists the session kinds with built-in grammars.
func Kinds() []string {
	return []string{"amp", "claude", "codex", "gemini", "opencode", "shell"}
}

// DefaultRawPatterns returns the built-in grammar for a session kind, or
// nil for kinds without defaults.
func DefaultRawPatterns(kind string) *RawPatterns {
	switch strings.ToLower(kind) {
	case "claude":
		return &RawPatterns{
			Busy: []string{
				"ctrl+c to interrupt",
				"esc to interrupt",
			},
			Idle: []string{
				"No, and tell Claude what to do differently",
				"Do you want to proceed?",
				"Do you trust the files in this folder?",
				"? for shortcuts",
				"re:(?m)^\\s*[>❯]\\s*$",
			},
			SpinnerChars:  claudeSpinnerChars(),
			ThinkingWords: claudeThinkingWords(),
		}
	case "codex":
		return &RawPatterns{
			Busy: []string{"esc to interrupt", "ctrl+c to interrupt", "working ("},
			Idle: []string{"codex>", "Continue?", "send   ⌃J newline", "re:(?m)^\\s*▌\\s*$"},
		}
	case "gemini":
		return &RawPatterns{
			Busy: []string{"esc to cancel"},
			Idle: []string{"gemini>", "Type your message", "Waiting for user confirmation"},
		}
	case "opencode":
		return &RawPatterns{
			Busy: []string{
				"esc interrupt",
				"thinking...",
				"generating...",
				"building tool call...",
				"waiting for tool response...",
			},
			Idle:         []string{"Ask anything", "press enter to send"},
			SpinnerChars: []string{"█", "▓", "▒", "░"},
		}
	case "amp":
		return &RawPatterns{
			Busy:         []string{"esc to cancel", "running tools"},
			Idle:         []string{"Enter to send", "re:(?m)^\\s*>\\s*$"},
			SpinnerChars: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		}
	case "shell":
		return &RawPatterns{
			Idle: []string{"re:(?m)[$#%]\\s*$"},
		}
	default:
		return nil
	}
}

func claudeSpinnerChars() []string {
	return []string{
		"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		"✳", "✽", "✶", "✢",
	}
}

func claudeThinkingWords() []string {
	return []string{
		"accomplishing", "baking", "brewing", "calculating", "cerebrating",
		"churning", "clauding", "coalescing", "cogitating", "computing",
		"concocting", "conjuring", "considering", "contemplating", "cooking",
		"crafting", "crunching", "deciphering", "deliberating", "determining",
		"divining", "elucidating", "envisioning", "forging", "generating",
		"hatching", "ideating", "imagining", "incubating", "inferring",
		"manifesting", "marinating", "mulling", "musing", "noodling",
		"percolating", "pondering", "processing", "puzzling", "reticulating",
		"ruminating", "scheming", "simmering", "spinning", "stewing",
		"synthesizing", "thinking", "tinkering", "transmuting", "unravelling",
		"vibing", "whirring", "wizarding", "working", "wrangling",
	}
}

// MergeRawPatterns layers overrides and extras on top of defaults. A non-nil
// override field replaces the default field; extras are appended.
func MergeRawPatterns(defaults, overrides, extras *RawPatterns) *RawPatterns {
	out := &RawPatterns{}
	if defaults != nil {
		out.Busy = cloneStrings(defaults.Busy)
		out.Idle = cloneStrings(defaults.Idle)
		out.SpinnerChars = cloneStrings(defaults.SpinnerChars)
		out.ThinkingWords = cloneStrings(defaults.ThinkingWords)
	}
	if overrides != nil {
		if overrides.Busy != nil {
			out.Busy = cloneStrings(overrides.Busy)
		}
		if overrides.Idle != nil {
			out.Idle = cloneStrings(overrides.Idle)
		}
		if overrides.SpinnerChars != nil {
			out.SpinnerChars = cloneStrings(overrides.SpinnerChars)
		}
		if overrides.ThinkingWords != nil {
			out.ThinkingWords = cloneStrings(overrides.ThinkingWords)
		}
	}
	if extras != nil {
		out.Busy = append(out.Busy, extras.Busy...)
		out.Idle = append(out.Idle, extras.Idle...)
		out.SpinnerChars = append(out.SpinnerChars, extras.SpinnerChars...)
		out.ThinkingWords = append(out.ThinkingWords, extras.ThinkingWords...)
	}
	return out
}

// Compile builds a Grammar. Invalid regular expressions are logged and
// skipped so one bad config entry cannot disable a whole kind.
func Compile(raw *RawPatterns) (*Grammar, error) {
	if raw == nil {
		return nil, errors.New("nil patterns")
	}
	g := &Grammar{spinners: make(map[rune]bool)}

	for _, p := range raw.Busy {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			if re := compileLogged(expr, "busy"); re != nil {
				g.busyRegexps = append(g.busyRegexps, re)
			}
			continue
		}
		g.busyStrings = append(g.busyStrings, strings.ToLower(p))
	}
	for _, p := range raw.Idle {
		if expr, ok := strings.CutPrefix(p, "re:"); ok {
			if re := compileLogged(expr, "idle"); re != nil {
				g.idleRegexps = append(g.idleRegexps, re)
			}
			continue
		}
		g.idleStrings = append(g.idleStrings, p)
	}

	for _, s := range raw.SpinnerChars {
		for _, r := range s {
			g.spinners[r] = true
		}
	}
	if len(g.spinners) > 0 {
		class := spinnerClass(g.spinners)
		g.spinnerActive = compileLogged(`(?m)^\s*`+class+`\s*\S.*…`, "spinner_active")
		if len(raw.ThinkingWords) > 0 {
			words := make([]string, len(raw.ThinkingWords))
			for i, w := range raw.ThinkingWords {
				words[i] = regexp.QuoteMeta(w)
			}
			g.thinking = compileLogged(class+`\s*(?i:`+strings.Join(words, "|")+`)`, "thinking")
		}
	}
	return g, nil
}

func compileLogged(expr, field string) *regexp.Regexp {
	re, err := regexp.Compile(expr)
	if err != nil {
		activityLog.Warn("invalid_pattern_regex",
			slog.String("field", field),
			slog.String("pattern", expr),
			slog.String("error", err.Error()))
		return nil
	}
	return re
}

func spinnerClass(set map[rune]bool) string {
	runes := make([]rune, 0, len(set))
	for r := range set {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	var b strings.Builder
	b.WriteByte('[')
	for _, r := range runes {
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteByte(']')
	return b.String()
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
