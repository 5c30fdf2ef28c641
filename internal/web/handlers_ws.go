package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/taskdeck/internal/status"
)

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type    string      `json:"type"` // dot, status, error
	Event   string      `json:"event,omitempty"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	TaskID  string      `json:"taskId,omitempty"`
	Dot     *status.Dot `json:"dot,omitempty"`
	Time    time.Time   `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

// handleTaskWS streams one task's dot: the current value on connect, then
// every change.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if _, err := s.svc.View(r.Context(), taskID); err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	writer := &wsConnWriter{conn: conn}

	dots := make(chan status.Dot, eventBuffer)
	sub := s.svc.SubscribeTask(taskID, func(_ string, d status.Dot) {
		select {
		case dots <- d:
		default:
		}
	})
	defer s.svc.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readWS(conn, writer, taskID)
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case d := <-dots:
			if err := writer.WriteJSON(wsServerMessage{Type: "dot", TaskID: taskID, Dot: &d, Time: time.Now().UTC()}); err != nil {
				return
			}
		}
	}
}

func (s *Server) readWS(conn *websocket.Conn, writer *wsConnWriter, taskID string) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("task", taskID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type: "error", Code: "INVALID_MESSAGE", Message: "invalid json payload",
				TaskID: taskID, Time: time.Now().UTC(),
			})
			continue
		}
		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: "pong", TaskID: taskID, Time: time.Now().UTC()})
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type: "error", Code: "UNSUPPORTED_MESSAGE", Message: "supported message types: ping",
				TaskID: taskID, Time: time.Now().UTC(),
			})
		}
	}
}
