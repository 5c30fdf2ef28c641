// Package activity turns raw session output into busy/idle signals and
// debounces them into one busy indicator per task.
package activity

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Verdict is the classification of one output chunk.
type Verdict int

const (
	Neutral Verdict = iota
	Busy
	Idle
)

func (v Verdict) String() string {
	switch v {
	case Busy:
		return "busy"
	case Idle:
		return "idle"
	default:
		return "neutral"
	}
}

// Classifier holds one compiled grammar per session kind.
type Classifier struct {
	grammars map[string]*Grammar
}

// NewClassifier compiles the built-in grammars, merged with per-kind
// overrides and extras. Kinds that only appear in overrides get a grammar
// of their own.
func NewClassifier(overrides, extras map[string]*RawPatterns) *Classifier {
	kinds := make(map[string]bool)
	for _, k := range Kinds() {
		kinds[k] = true
	}
	for k := range overrides {
		kinds[strings.ToLower(k)] = true
	}
	for k := range extras {
		kinds[strings.ToLower(k)] = true
	}

	c := &Classifier{grammars: make(map[string]*Grammar, len(kinds))}
	for kind := range kinds {
		raw := MergeRawPatterns(DefaultRawPatterns(kind), lookup(overrides, kind), lookup(extras, kind))
		g, err := Compile(raw)
		if err != nil {
			continue
		}
		c.grammars[kind] = g
	}
	return c
}

func lookup(m map[string]*RawPatterns, kind string) *RawPatterns {
	for k, v := range m {
		if strings.EqualFold(k, kind) {
			return v
		}
	}
	return nil
}

// Classify inspects one chunk of output from a session of the given kind.
// Unknown kinds and empty or undecodable chunks are Neutral.
func (c *Classifier) Classify(kind, chunk string) Verdict {
	g, ok := c.grammars[strings.ToLower(kind)]
	if !ok {
		return Neutral
	}
	return g.Classify(chunk)
}

// Known reports whether kind has a grammar.
func (c *Classifier) Known(kind string) bool {
	_, ok := c.grammars[strings.ToLower(kind)]
	return ok
}

var (
	defaultOnce       sync.Once
	defaultClassifier *Classifier
)

// Classify uses the built-in grammars.
func Classify(kind, chunk string) Verdict {
	defaultOnce.Do(func() { defaultClassifier = NewClassifier(nil, nil) })
	return defaultClassifier.Classify(kind, chunk)
}

// Classify applies the grammar. Busy indicators win over idle markers in
// the same chunk.
func (g *Grammar) Classify(chunk string) Verdict {
	clean := Sanitize(chunk)
	if strings.TrimSpace(clean) == "" {
		return Neutral
	}
	if g.isBusy(clean) {
		return Busy
	}
	if g.isIdle(clean) {
		return Idle
	}
	return Neutral
}

func (g *Grammar) isBusy(clean string) bool {
	lower := strings.ToLower(clean)
	for _, s := range g.busyStrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, re := range g.busyRegexps {
		if re.MatchString(clean) {
			return true
		}
	}
	if g.spinnerActive != nil && g.spinnerActive.MatchString(clean) {
		return true
	}
	if g.thinking != nil && g.thinking.MatchString(clean) {
		return true
	}
	return g.onlySpinnerFrames(clean)
}

// onlySpinnerFrames matches redraw chunks that carry nothing but spinner
// glyphs.
func (g *Grammar) onlySpinnerFrames(clean string) bool {
	if len(g.spinners) == 0 {
		return false
	}
	seen := false
	for _, r := range clean {
		switch {
		case g.spinners[r]:
			seen = true
		case unicode.IsSpace(r):
		default:
			return false
		}
	}
	return seen
}

func (g *Grammar) isIdle(clean string) bool {
	for _, s := range g.idleStrings {
		if strings.Contains(clean, s) {
			return true
		}
	}
	for _, re := range g.idleRegexps {
		if re.MatchString(clean) {
			return true
		}
	}
	return false
}

// Sanitize replaces invalid UTF-8, strips terminal escape sequences and
// drops carriage returns.
func Sanitize(chunk string) string {
	s := strings.ToValidUTF8(chunk, "")
	s = StripANSI(s)
	return strings.ReplaceAll(s, "\r", "")
}

// StripANSI removes CSI, OSC and two-byte escape sequences in one pass.
// 8-bit C1 controls are not recognised; Sanitize drops them as invalid UTF-8.
func StripANSI(content string) string {
	if strings.IndexByte(content, '\x1b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))
	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '\x1b' && i+1 < len(content) && content[i+1] == '[':
			i = skipCSI(content, i+2)
		case c == '\x1b' && i+1 < len(content) && content[i+1] == ']':
			i = skipOSC(content, i+2)
		case c == '\x1b' && i+1 < len(content) && content[i+1] < utf8.RuneSelf:
			i += 2
		case c == '\x1b':
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// skipCSI returns the index after the final byte (0x40–0x7E) of a CSI
// sequence whose parameters start at i.
func skipCSI(s string, i int) int {
	for i < len(s) {
		c := s[i]
		i++
		if c >= 0x40 && c <= 0x7e {
			break
		}
	}
	return i
}

// skipOSC returns the index after the BEL or ST terminator, or len(s).
func skipOSC(s string, i int) int {
	for i < len(s) {
		if s[i] == '\x07' {
			return i + 1
		}
		if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return len(s)
}
