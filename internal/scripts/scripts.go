// Package scripts runs per-project lifecycle scripts (setup, stop,
// teardown) for task targets and records each run.
package scripts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

var scriptLog = logging.ForComponent(logging.CompScripts)

// Phase names a lifecycle script.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseStop     Phase = "stop"
	PhaseTeardown Phase = "teardown"
)

// Status is a recorded run state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Environment variables exported to every script.
const (
	EnvTaskID       = "TASKDECK_TASK_ID"
	EnvProjectID    = "TASKDECK_PROJECT_ID"
	EnvWorktreePath = "TASKDECK_WORKTREE_PATH"
	EnvProjectPath  = "TASKDECK_PROJECT_PATH"
	EnvPhase        = "TASKDECK_PHASE"
)

// maxMessage caps the script output kept in the run record.
const maxMessage = 4096

// ErrTimeout is wrapped by run errors when the script exceeded its timeout.
var ErrTimeout = errors.New("script timed out")

// Commands are the shell snippets configured for one project.
type Commands struct {
	Setup    string
	Stop     string
	Teardown string
}

func (c Commands) forPhase(p Phase) string {
	switch p {
	case PhaseSetup:
		return c.Setup
	case PhaseStop:
		return c.Stop
	case PhaseTeardown:
		return c.Teardown
	}
	return ""
}

// Recorder persists run records.
type Recorder interface {
	RecordLifecycle(ctx context.Context, targetID, phase, status, message string) error
	ClearLifecycle(ctx context.Context, targetID string) error
}

// Runner executes scripts with `sh -c`.
type Runner struct {
	rec      Recorder
	commands func(projectID string) Commands
	timeout  time.Duration
	shell    string
}

// NewRunner returns a runner resolving scripts through commands. A zero
// timeout means no limit beyond ctx.
func NewRunner(rec Recorder, commands func(projectID string) Commands, timeout time.Duration) *Runner {
	return &Runner{rec: rec, commands: commands, timeout: timeout, shell: "sh"}
}

// Setup runs the setup script for target.
func (r *Runner) Setup(ctx context.Context, projectID, projectPath string, target task.Target) error {
	return r.Run(ctx, PhaseSetup, projectID, projectPath, target)
}

// Stop runs the stop script for target.
func (r *Runner) Stop(ctx context.Context, projectID, projectPath string, target task.Target) error {
	return r.Run(ctx, PhaseStop, projectID, projectPath, target)
}

// Teardown runs the teardown script for target.
func (r *Runner) Teardown(ctx context.Context, projectID, projectPath string, target task.Target) error {
	return r.Run(ctx, PhaseTeardown, projectID, projectPath, target)
}

// Clear drops the recorded runs for a target.
func (r *Runner) Clear(ctx context.Context, targetID string) error {
	if r.rec == nil {
		return nil
	}
	return r.rec.ClearLifecycle(ctx, targetID)
}

// Run executes phase for target. A phase without a configured script is
// recorded as skipped and returns nil.
func (r *Runner) Run(ctx context.Context, phase Phase, projectID, projectPath string, target task.Target) error {
	script := r.commands(projectID).forPhase(phase)
	if script == "" {
		r.record(ctx, target.ID, phase, StatusSkipped, "")
		return nil
	}

	r.record(ctx, target.ID, phase, StatusRunning, "")
	start := time.Now()

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", script)
	cmd.Dir = workDir(target.Path, projectPath)
	cmd.Env = append(os.Environ(),
		EnvTaskID+"="+target.ID,
		EnvProjectID+"="+projectID,
		EnvWorktreePath+"="+target.Path,
		EnvProjectPath+"="+projectPath,
		EnvPhase+"="+string(phase),
	)
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	attrs := []any{
		slog.String("task", target.ID),
		slog.String("phase", string(phase)),
		slog.Duration("took", time.Since(start)),
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		}
		msg := tail(out.Bytes(), maxMessage)
		r.record(ctx, target.ID, phase, StatusFailed, msg)
		scriptLog.Warn("script_failed", append(attrs, slog.String("error", err.Error()))...)
		return fmt.Errorf("%s script for %s: %w", phase, target.Label, err)
	}

	r.record(ctx, target.ID, phase, StatusSucceeded, "")
	scriptLog.Info("script_succeeded", attrs...)
	return nil
}

func (r *Runner) record(ctx context.Context, targetID string, phase Phase, status Status, msg string) {
	if r.rec == nil {
		return
	}
	// Bookkeeping must survive a cancelled run.
	if err := r.rec.RecordLifecycle(context.WithoutCancel(ctx), targetID, string(phase), string(status), msg); err != nil {
		scriptLog.Debug("record_failed", slog.String("task", targetID), slog.String("error", err.Error()))
	}
}

func workDir(targetPath, projectPath string) string {
	if targetPath != "" {
		if info, err := os.Stat(targetPath); err == nil && info.IsDir() {
			return targetPath
		}
	}
	return projectPath
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
