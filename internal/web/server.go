// Package web serves the task state over HTTP: a JSON API, an SSE dot
// stream and a per-task websocket, plus the session event ingest used by
// external transports.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/taskdeck/internal/activity"
	"github.com/asheshgoplani/taskdeck/internal/idle"
	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	// IngestRate caps session events per second; zero disables the limit.
	IngestRate int
}

// Service is the task state the server exposes.
type Service interface {
	Views(projectID string) []taskstate.TaskView
	View(ctx context.Context, taskID string) (taskstate.TaskView, error)
	Dot(taskID string) status.Dot
	CreateTask(ctx context.Context, t *task.Task) (*task.Task, error)
	Delete(ctx context.Context, taskID string, opts lifecycle.Options) (lifecycle.Report, error)
	Archive(ctx context.Context, taskID string, opts lifecycle.Options) (lifecycle.Report, error)
	Restore(ctx context.Context, taskID string) (*task.Task, error)
	AddConversation(ctx context.Context, taskID string, c task.Conversation) error
	RemoveConversation(ctx context.Context, taskID, convID string) error
	HandleOutput(sessionID, kind string, chunk []byte) (activity.Verdict, error)
	HandleStart(sessionID string) error
	HandleExit(sessionID string, exit idle.Exit) error
	SubscribeDots(fn status.Listener) status.SubscriptionID
	SubscribeTask(taskID string, fn status.Listener) status.SubscriptionID
	Unsubscribe(id status.SubscriptionID)
	SubscribeNotices(fn taskstate.NoticeListener) (cancel func())
}

var _ Service = (*taskstate.Service)(nil)

// Server wraps an HTTP server for the task API.
type Server struct {
	cfg        Config
	svc        Service
	httpServer *http.Server
	ingest     *rate.Limiter
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a web server with its routes and middleware.
func NewServer(cfg Config, svc Service) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8421"
	}

	s := &Server{cfg: cfg, svc: svc}
	if cfg.IngestRate > 0 {
		s.ingest = rate.NewLimiter(rate.Limit(cfg.IngestRate), cfg.IngestRate*2)
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	api := http.NewServeMux()
	api.HandleFunc("GET /api/tasks", s.handleListTasks)
	api.HandleFunc("POST /api/tasks", s.handleCreateTask)
	api.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	api.HandleFunc("GET /api/tasks/{id}/dot", s.handleTaskDot)
	api.HandleFunc("POST /api/tasks/{id}/delete", s.handleRetire(lifecycle.OpDelete))
	api.HandleFunc("POST /api/tasks/{id}/archive", s.handleRetire(lifecycle.OpArchive))
	api.HandleFunc("POST /api/tasks/{id}/restore", s.handleRestore)
	api.HandleFunc("POST /api/sessions/{sid}/output", s.limited(s.handleSessionOutput))
	api.HandleFunc("POST /api/sessions/{sid}/start", s.limited(s.handleSessionStart))
	api.HandleFunc("POST /api/sessions/{sid}/exit", s.limited(s.handleSessionExit))
	api.HandleFunc("POST /api/conversations", s.handleAddConversation)
	api.HandleFunc("DELETE /api/conversations/{task}/{conv}", s.handleRemoveConversation)
	api.HandleFunc("GET /events/dots", s.handleDotEvents)
	api.HandleFunc("GET /ws/task/{id}", s.handleTaskWS)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/api/", s.requireToken(api))
	mux.Handle("/events/", s.requireToken(api))
	mux.Handle("/ws/", s.requireToken(api))

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen binds the configured address. The returned listener's address is
// the one to advertise when the port was 0.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.ListenAddr)
}

// Serve serves on ln and blocks until shutdown or error. Returns nil on
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	webLog.Info("web_listening", slog.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Long-lived handlers (SSE/WS) watch the base context.
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	resp := map[string]any{
		"ok":   true,
		"auth": s.cfg.Token != "",
		"time": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) String() string {
	return fmt.Sprintf("web-server(addr=%s, auth=%t)", s.cfg.ListenAddr, s.cfg.Token != "")
}
