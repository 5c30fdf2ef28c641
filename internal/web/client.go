package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
)

// Client talks to a running daemon's API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a client for the daemon listening on addr
// ("host:port" or a full URL).
func NewClient(addr, token string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps well-known codes back to the errors the service returns.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "NOT_FOUND":
		return task.ErrTaskNotFound
	case "IN_PROGRESS":
		return lifecycle.ErrInProgress
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Healthy reports whether the daemon answers /healthz.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil) == nil
}

// Tasks lists active tasks with their dots; an empty project lists all.
func (c *Client) Tasks(ctx context.Context, projectID string) ([]taskstate.TaskView, error) {
	path := "/api/tasks"
	if projectID != "" {
		path += "?project=" + url.QueryEscape(projectID)
	}
	var views []taskstate.TaskView
	err := c.do(ctx, http.MethodGet, path, nil, &views)
	return views, err
}

// Task returns one task with its runtime state.
func (c *Client) Task(ctx context.Context, taskID string) (taskstate.TaskView, error) {
	var v taskstate.TaskView
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil, &v)
	return v, err
}

// Dot returns the task's merged dot.
func (c *Client) Dot(ctx context.Context, taskID string) (status.Dot, error) {
	var r dotResponse
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/dot", nil, &r)
	return r.Dot, err
}

// CreateTask registers a new task.
func (c *Client) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var created task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", bytes.NewReader(body), &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Retire deletes or archives a task and returns the teardown issues.
func (c *Client) Retire(ctx context.Context, op lifecycle.Op, taskID string, silent bool) ([]lifecycle.Issue, error) {
	path := "/api/tasks/" + url.PathEscape(taskID) + "/" + string(op)
	if silent {
		path += "?silent=1"
	}
	var r retireResponse
	err := c.do(ctx, http.MethodPost, path, nil, &r)
	return r.Issues, err
}

// Restore unarchives a task.
func (c *Client) Restore(ctx context.Context, taskID string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/restore", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
