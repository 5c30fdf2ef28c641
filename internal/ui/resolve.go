package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/taskdeck/internal/task"
)

var (
	ErrNoMatch   = errors.New("no task matches")
	ErrAmbiguous = errors.New("query matches several tasks")
)

// AmbiguousError lists the candidates of an ambiguous query.
type AmbiguousError struct {
	Query      string
	Candidates []*task.Task
}

func (e *AmbiguousError) Error() string {
	names := make([]string, 0, len(e.Candidates))
	for _, t := range e.Candidates {
		names = append(names, fmt.Sprintf("%s (%s)", t.Name, t.ID))
	}
	return fmt.Sprintf("%q matches several tasks: %s", e.Query, strings.Join(names, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

type taskSource []*task.Task

func (s taskSource) String(i int) string { return s[i].Name }
func (s taskSource) Len() int            { return len(s) }

// ResolveTask finds the task a user meant. Resolution order: exact ID,
// unique ID prefix, case-insensitive exact name, then fuzzy name match.
// A fuzzy match wins only when its score beats the runner-up.
func ResolveTask(tasks []*task.Task, query string) (*task.Task, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNoMatch
	}

	for _, t := range tasks {
		if t.ID == query {
			return t, nil
		}
	}
	if found, err := unique(query, filter(tasks, func(t *task.Task) bool {
		return strings.HasPrefix(t.ID, query)
	})); found != nil || err != nil {
		return found, err
	}
	if found, err := unique(query, filter(tasks, func(t *task.Task) bool {
		return strings.EqualFold(t.Name, query)
	})); found != nil || err != nil {
		return found, err
	}

	matches := fuzzy.FindFrom(query, taskSource(tasks))
	switch {
	case len(matches) == 0:
		return nil, fmt.Errorf("%w %q", ErrNoMatch, query)
	case len(matches) == 1 || matches[0].Score > matches[1].Score:
		return tasks[matches[0].Index], nil
	}
	var tied []*task.Task
	for _, m := range matches {
		if m.Score == matches[0].Score {
			tied = append(tied, tasks[m.Index])
		}
	}
	return nil, &AmbiguousError{Query: query, Candidates: tied}
}

func filter(tasks []*task.Task, keep func(*task.Task) bool) []*task.Task {
	var out []*task.Task
	for _, t := range tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func unique(query string, found []*task.Task) (*task.Task, error) {
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	}
	return nil, &AmbiguousError{Query: query, Candidates: found}
}
