package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type dotResponse struct {
	TaskID string     `json:"taskId"`
	Dot    status.Dot `json:"dot"`
}

type retireResponse struct {
	TaskID string            `json:"taskId"`
	Op     lifecycle.Op      `json:"op"`
	Issues []lifecycle.Issue `json:"issues"`
}

const maxTaskBody = 1 << 20

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	views := s.svc.Views(r.URL.Query().Get("project"))
	if views == nil {
		views = []taskstate.TaskView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.View(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTaskDot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, dotResponse{TaskID: id, Dot: s.svc.Dot(id)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody)).Decode(&t); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid task payload")
		return
	}
	created, err := s.svc.CreateTask(r.Context(), &t)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_TASK", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRetire(op lifecycle.Op) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		opts := lifecycle.Options{Silent: isTruthy(r.URL.Query().Get("silent"))}

		var (
			report lifecycle.Report
			err    error
		)
		if op == lifecycle.OpArchive {
			report, err = s.svc.Archive(r.Context(), id, opts)
		} else {
			report, err = s.svc.Delete(r.Context(), id, opts)
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		issues := report.Issues
		if issues == nil {
			issues = []lifecycle.Issue{}
		}
		writeJSON(w, http.StatusOK, retireResponse{TaskID: id, Op: op, Issues: issues})
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	restored, err := s.svc.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if restored == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "task not found after restore")
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

func isTruthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, lifecycle.ErrInProgress):
		writeAPIError(w, http.StatusConflict, "IN_PROGRESS", err.Error())
	case errors.Is(err, task.ErrInvalidSessionID),
		errors.Is(err, task.ErrMissingSessionKey),
		errors.Is(err, task.ErrUnknownBackendKind):
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
