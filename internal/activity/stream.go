package activity

import (
	"context"
	"log/slog"
)

type stream struct {
	cancel context.CancelFunc
}

// Chunk is one piece of raw session output.
type Chunk struct {
	SessionID string
	Kind      string
	Data      string
}

// AttachStream consumes raw chunks for a task directly, classifying each
// one inline. It returns false if the task already has a stream attached.
// The stream is detached when ctx ends, the channel closes, or
// DetachStream is called.
func (a *Aggregator) AttachStream(ctx context.Context, taskID string, chunks <-chan Chunk) bool {
	a.mu.Lock()
	if _, ok := a.streams[taskID]; ok {
		a.mu.Unlock()
		activityLog.Debug("stream_already_attached", slog.String("task", taskID))
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &stream{cancel: cancel}
	a.streams[taskID] = s
	a.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			a.mu.Lock()
			if a.streams[taskID] == s {
				delete(a.streams, taskID)
			}
			a.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-chunks:
				if !ok {
					return
				}
				a.Observe(taskID, c.Kind, c.Data)
			}
		}
	}()
	return true
}

// DetachStream stops the task's attached stream, if any.
func (a *Aggregator) DetachStream(taskID string) {
	a.mu.Lock()
	s, ok := a.streams[taskID]
	delete(a.streams, taskID)
	a.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Attached reports whether a stream is attached to the task.
func (a *Aggregator) Attached(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.streams[taskID]
	return ok
}
