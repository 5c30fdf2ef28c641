package task

import "sync"

// Board is the in-memory view of active tasks per project plus the
// currently selected task.
type Board struct {
	mu       sync.RWMutex
	projects map[string][]*Task
	selected string
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{projects: make(map[string][]*Task)}
}

// Tasks returns a copy of the project's task list.
func (b *Board) Tasks(projectID string) []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Task(nil), b.projects[projectID]...)
}

// Projects returns the IDs of projects with at least one task.
func (b *Board) Projects() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.projects))
	for id, tasks := range b.projects {
		if len(tasks) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Find looks a task up by ID across projects.
func (b *Board) Find(taskID string) (*Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, tasks := range b.projects {
		for _, t := range tasks {
			if t.ID == taskID {
				return t, true
			}
		}
	}
	return nil, false
}

// Remove deletes a task and returns its former index, or -1. When the
// removed task was selected, the selection moves to the task now at the
// same index, else the last remaining one, else nothing.
func (b *Board) Remove(projectID, taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks := b.projects[projectID]
	idx := indexOf(tasks, taskID)
	if idx < 0 {
		return -1
	}
	tasks = append(tasks[:idx:idx], tasks[idx+1:]...)
	b.projects[projectID] = tasks

	if b.selected == taskID {
		switch {
		case idx < len(tasks):
			b.selected = tasks[idx].ID
		case len(tasks) > 0:
			b.selected = tasks[len(tasks)-1].ID
		default:
			b.selected = ""
		}
	}
	return idx
}

// Insert places t at index (clamped), replacing any entry with the same ID.
func (b *Board) Insert(projectID string, index int, t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tasks := b.projects[projectID]
	if i := indexOf(tasks, t.ID); i >= 0 {
		tasks = append(tasks[:i:i], tasks[i+1:]...)
	}
	if index < 0 {
		index = 0
	}
	if index > len(tasks) {
		index = len(tasks)
	}
	out := make([]*Task, 0, len(tasks)+1)
	out = append(out, tasks[:index]...)
	out = append(out, t)
	out = append(out, tasks[index:]...)
	b.projects[projectID] = out
}

// Prepend inserts t at the head of the project list.
func (b *Board) Prepend(projectID string, t *Task) {
	b.Insert(projectID, 0, t)
}

// Replace swaps the project's list for tasks (typically a fresh store read).
func (b *Board) Replace(projectID string, tasks []*Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.projects[projectID] = append([]*Task(nil), tasks...)
}

// Select marks taskID as selected. An empty ID clears the selection.
func (b *Board) Select(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected = taskID
}

// Selected returns the selected task ID.
func (b *Board) Selected() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.selected
}

func indexOf(tasks []*Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
