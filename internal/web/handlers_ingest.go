package web

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/asheshgoplani/taskdeck/internal/idle"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

const maxChunkBody = 1 << 20

type outputResponse struct {
	Verdict string `json:"verdict"`
}

type conversationRequest struct {
	TaskID string `json:"taskId"`
	task.Conversation
}

// limited rejects requests beyond the ingest rate with 429.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ingest != nil && !s.ingest.Allow() {
			w.Header().Set("Retry-After", "1")
			writeAPIError(w, http.StatusTooManyRequests, "RATE_LIMITED", "session event rate exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	chunk, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxChunkBody))
	if err != nil {
		writeAPIError(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", "chunk too large")
		return
	}
	verdict, err := s.svc.HandleOutput(r.PathValue("sid"), r.URL.Query().Get("kind"), chunk)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outputResponse{Verdict: verdict.String()})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.HandleStart(r.PathValue("sid")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionExit(w http.ResponseWriter, r *http.Request) {
	var exit idle.Exit
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(&exit); err != nil && err != io.EOF {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid exit payload")
			return
		}
	}
	if err := s.svc.HandleExit(r.PathValue("sid"), exit); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid conversation payload")
		return
	}
	if req.TaskID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "taskId is required")
		return
	}
	if err := s.svc.AddConversation(r.Context(), req.TaskID, req.Conversation); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRemoveConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveConversation(r.Context(), r.PathValue("task"), r.PathValue("conv")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
