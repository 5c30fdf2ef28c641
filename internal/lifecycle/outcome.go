package lifecycle

import (
	"fmt"

	"github.com/asheshgoplani/taskdeck/internal/task"
)

// Outcome is the explicit result of one external call.
type Outcome struct {
	Target   task.Target
	Step     string
	Err      error
	TimedOut bool
}

// OK reports whether the call succeeded in time.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.TimedOut
}

// Issue describes a best-effort step that failed or timed out.
type Issue struct {
	TargetID string `json:"targetId"`
	Label    string `json:"label"`
	Step     string `json:"step"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (i Issue) String() string {
	if i.TimedOut {
		return fmt.Sprintf("%s %s: timed out", i.Label, i.Step)
	}
	return fmt.Sprintf("%s %s: %s", i.Label, i.Step, i.Message)
}

// partition splits outcomes into successes and failures, preserving order.
func partition(outcomes []Outcome) (ok, failed []Outcome) {
	for _, o := range outcomes {
		if o.OK() {
			ok = append(ok, o)
		} else {
			failed = append(failed, o)
		}
	}
	return ok, failed
}

func issuesFrom(failed []Outcome) []Issue {
	issues := make([]Issue, 0, len(failed))
	for _, o := range failed {
		is := Issue{TargetID: o.Target.ID, Label: o.Target.Label, Step: o.Step, TimedOut: o.TimedOut}
		if o.Err != nil {
			is.Message = o.Err.Error()
		}
		issues = append(issues, is)
	}
	return issues
}
