// Package status merges per-conversation statuses from terminal and
// protocol backends into one Status Dot per task.
package status

import "strings"

// Color of a status dot.
type Color string

// Style of a status dot.
type Style string

const (
	Green Color = "green"
	Gray  Color = "gray"
	Amber Color = "amber"
	Red   Color = "red"

	Solid   Style = "solid"
	Pulsing Style = "pulsing"
)

// Dot is the visual status of a conversation or task.
type Dot struct {
	Color Color `json:"color"`
	Style Style `json:"style"`
}

var (
	DotReady     = Dot{Green, Solid}
	DotInactive  = Dot{Gray, Solid}
	DotWorking   = Dot{Amber, Pulsing}
	DotError     = Dot{Red, Solid}
	DotAttention = Dot{Red, Pulsing}
)

var priority = map[Dot]int{
	DotReady:     0,
	DotInactive:  1,
	DotWorking:   2,
	DotError:     3,
	DotAttention: 4,
}

// Priority ranks the dot; higher is worse. Combinations outside the table
// rank -1, below every valid dot.
func (d Dot) Priority() int {
	if p, ok := priority[d]; ok {
		return p
	}
	return -1
}

// Valid reports whether the dot is one of the five known combinations.
func (d Dot) Valid() bool {
	return d.Priority() >= 0
}

func (d Dot) String() string {
	return string(d.Color) + "-" + string(d.Style)
}

// Worst returns the highest-priority dot, or DotReady when there are none.
// Dots outside the priority table are ignored.
func Worst(dots ...Dot) Dot {
	best := DotReady
	for _, d := range dots {
		if d.Priority() > best.Priority() {
			best = d
		}
	}
	return best
}

// DotForProtocolStatus maps a protocol session status string to a dot.
func DotForProtocolStatus(s string) Dot {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "running", "busy", "working", "thinking":
		return DotWorking
	case "waiting", "permission", "needs_input", "input_required":
		return DotAttention
	case "error", "failed":
		return DotError
	case "idle", "ready", "done", "completed":
		return DotReady
	default:
		return DotInactive
	}
}
