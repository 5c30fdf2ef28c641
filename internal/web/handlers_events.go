package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/status"
)

var dotEventsHeartbeatInterval = 15 * time.Second

// dotEvent is the payload of an SSE "dot" event.
type dotEvent struct {
	TaskID string     `json:"taskId"`
	Dot    status.Dot `json:"dot"`
}

// eventBuffer bounds the per-client backlog. A client that falls this far
// behind is disconnected; it can reconnect and start from the snapshot.
const eventBuffer = 256

func (s *Server) handleDotEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	dots := make(chan dotEvent, eventBuffer)
	notices := make(chan lifecycle.Notice, eventBuffer)
	overflow := make(chan struct{}, 1)
	drop := func() {
		select {
		case overflow <- struct{}{}:
		default:
		}
	}

	sub := s.svc.SubscribeDots(func(taskID string, d status.Dot) {
		select {
		case dots <- dotEvent{TaskID: taskID, Dot: d}:
		default:
			drop()
		}
	})
	defer s.svc.Unsubscribe(sub)
	cancelNotices := s.svc.SubscribeNotices(func(n lifecycle.Notice) {
		select {
		case notices <- n:
		default:
			drop()
		}
	})
	defer cancelNotices()

	// Current state first, so clients need no separate fetch.
	for _, v := range s.svc.Views(r.URL.Query().Get("project")) {
		if err := writeSSEEvent(w, flusher, "dot", dotEvent{TaskID: v.Task.ID, Dot: v.Dot}); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(dotEventsHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			webLog.Warn("dot_stream_overflow")
			return
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case ev := <-dots:
			if err := writeSSEEvent(w, flusher, "dot", ev); err != nil {
				return
			}
		case n := <-notices:
			if err := writeSSEEvent(w, flusher, "notice", n); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
