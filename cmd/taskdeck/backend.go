package main

import (
	"context"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/lifecycle"
	"github.com/asheshgoplani/taskdeck/internal/task"
	"github.com/asheshgoplani/taskdeck/internal/taskstate"
	"github.com/asheshgoplani/taskdeck/internal/web"
)

// backend is where CLI commands act: the running daemon when there is one,
// else an in-process service over the same store.
type backend interface {
	Tasks(ctx context.Context, projectID string) ([]taskstate.TaskView, error)
	CreateTask(ctx context.Context, t *task.Task) (*task.Task, error)
	Retire(ctx context.Context, op lifecycle.Op, taskID string, silent bool) ([]lifecycle.Issue, error)
	Restore(ctx context.Context, taskID string) (*task.Task, error)
	Daemon() bool
	Close()
}

func (a *app) backend(ctx context.Context) (backend, error) {
	db, err := a.store()
	if err != nil {
		return nil, err
	}
	if addr, err := db.PrimaryAddr(ctx); err == nil && addr != "" {
		c := web.NewClient(addr, a.cfg.Web.Token)
		probe, cancel := context.WithTimeout(ctx, 2*time.Second)
		healthy := c.Healthy(probe)
		cancel()
		if healthy {
			return daemonBackend{c}, nil
		}
	}

	svc, err := taskstate.New(taskstate.Options{Config: a.cfg, Store: db})
	if err != nil {
		return nil, err
	}
	if err := svc.Load(ctx); err != nil {
		svc.Close()
		return nil, err
	}
	return localBackend{svc}, nil
}

type daemonBackend struct {
	*web.Client
}

func (daemonBackend) Daemon() bool { return true }
func (daemonBackend) Close()       {}

type localBackend struct {
	svc *taskstate.Service
}

func (l localBackend) Tasks(_ context.Context, projectID string) ([]taskstate.TaskView, error) {
	return l.svc.Views(projectID), nil
}

func (l localBackend) CreateTask(ctx context.Context, t *task.Task) (*task.Task, error) {
	return l.svc.CreateTask(ctx, t)
}

func (l localBackend) Retire(ctx context.Context, op lifecycle.Op, taskID string, silent bool) ([]lifecycle.Issue, error) {
	opts := lifecycle.Options{Silent: silent}
	var (
		report lifecycle.Report
		err    error
	)
	if op == lifecycle.OpArchive {
		report, err = l.svc.Archive(ctx, taskID, opts)
	} else {
		report, err = l.svc.Delete(ctx, taskID, opts)
	}
	return report.Issues, err
}

func (l localBackend) Restore(ctx context.Context, taskID string) (*task.Task, error) {
	return l.svc.Restore(ctx, taskID)
}

func (localBackend) Daemon() bool { return false }
func (l localBackend) Close()     { l.svc.Close() }
