// Package lifecycle orchestrates task delete, archive and restore: stop and
// teardown scripts per target, session cleanup, working-copy removal, and
// rollback of the in-memory board when the authoritative step fails.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/taskdeck/internal/clock"
	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

var lifecycleLog = logging.ForComponent(logging.CompLifecycle)

// Op names an orchestrated operation.
type Op string

const (
	OpDelete  Op = "delete"
	OpArchive Op = "archive"
	OpRestore Op = "restore"
)

func (op Op) pastTense() string {
	switch op {
	case OpDelete:
		return "Deleted"
	case OpArchive:
		return "Archived"
	default:
		return "Restored"
	}
}

func (op Op) progressive() string {
	switch op {
	case OpDelete:
		return "deleted"
	case OpArchive:
		return "archived"
	default:
		return "restored"
	}
}

// Config holds orchestrator timing.
type Config struct {
	TeardownTimeout time.Duration
}

// DefaultConfig returns the default teardown timeout.
func DefaultConfig() Config {
	return Config{TeardownTimeout: 10 * time.Second}
}

// Deps are the orchestrator's collaborators. Notifier, Runtime and Dots
// may be nil.
type Deps struct {
	Scripts       Scripts
	Sessions      Sessions
	Store         Store
	WorkingCopies WorkingCopies
	Notifier      Notifier
	Board         *task.Board
	Runtime       []RuntimeState
	Dots          DotSource
	Clock         clock.Clock
}

// Options tune a delete or archive.
type Options struct {
	// Silent suppresses teardown warnings and the success notice.
	Silent bool
}

// Report summarises a finished delete or archive.
type Report struct {
	TaskID string  `json:"taskId"`
	Op     Op      `json:"op"`
	Issues []Issue `json:"issues,omitempty"`
}

// Orchestrator runs lifecycle operations. Safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	deps Deps
	clk  clock.Clock

	mu       sync.Mutex
	inFlight map[string]Op
	armed    map[string]*autoArchive

	refreshes singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an orchestrator. A nil Clock uses the real clock and a nil
// Board starts empty.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultConfig().TeardownTimeout
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	if deps.Board == nil {
		deps.Board = task.NewBoard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		clk:    clk,
		ctx:    ctx,
		cancel: cancel,

		inFlight: make(map[string]Op),
		armed:    make(map[string]*autoArchive),
	}
}

// Board returns the in-memory board the orchestrator keeps consistent.
func (o *Orchestrator) Board() *task.Board {
	return o.deps.Board
}

// InProgress reports whether op is running for taskID.
func (o *Orchestrator) InProgress(op Op, taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	running, ok := o.inFlight[taskID]
	return ok && running == op
}

// acquire claims taskID's single in-flight slot for op. When another
// operation holds it, running names that operation.
func (o *Orchestrator) acquire(op Op, taskID string) (release func(), running Op, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if held, busy := o.inFlight[taskID]; busy {
		return nil, held, false
	}
	o.inFlight[taskID] = op
	return func() {
		o.mu.Lock()
		delete(o.inFlight, taskID)
		o.mu.Unlock()
	}, op, true
}

func (o *Orchestrator) rejectBusy(t *task.Task, running Op) error {
	o.notify(Notice{Level: LevelInfo, TaskID: t.ID,
		Message: fmt.Sprintf("%q is already being %s", t.Name, running.progressive())})
	return ErrInProgress
}

// Delete stops and tears down every target, kills the task's sessions and
// removes its working copies and record.
func (o *Orchestrator) Delete(ctx context.Context, t *task.Task, opts Options) (Report, error) {
	return o.retire(ctx, OpDelete, t, opts)
}

// Archive is Delete without working-copy removal; the record keeps an
// archived marker.
func (o *Orchestrator) Archive(ctx context.Context, t *task.Task, opts Options) (Report, error) {
	return o.retire(ctx, OpArchive, t, opts)
}

func (o *Orchestrator) retire(ctx context.Context, op Op, t *task.Task, opts Options) (Report, error) {
	if t == nil {
		return Report{}, ErrNilTask
	}
	report := Report{TaskID: t.ID, Op: op}

	release, running, ok := o.acquire(op, t.ID)
	if !ok {
		return report, o.rejectBusy(t, running)
	}
	defer release()

	snapshot := t.Clone()
	board := o.deps.Board
	wasSelected := board.Selected() == t.ID
	index := board.Remove(t.ProjectID, t.ID)

	log := lifecycleLog.With(slog.String("task", t.ID), slog.String("op", string(op)))
	log.Info("operation_started", slog.Int("targets", len(snapshot.Targets())))

	report.Issues = o.teardown(ctx, snapshot)
	if len(report.Issues) > 0 && !opts.Silent {
		o.notify(Notice{Level: LevelWarning, TaskID: t.ID,
			Message: fmt.Sprintf("%d teardown issue(s)", len(report.Issues))})
	}

	o.killSessions(ctx, snapshot)

	if err := o.commit(ctx, op, snapshot); err != nil {
		log.Error("operation_failed", slog.String("error", err.Error()))
		o.rollback(ctx, snapshot, index, wasSelected)
		o.notify(Notice{Level: LevelError, TaskID: t.ID,
			Message: fmt.Sprintf("Failed to %s %q: %v", op, t.Name, err)})
		return report, fmt.Errorf("%s %s: %w", op, t.ID, err)
	}

	o.clearBookkeeping(ctx, snapshot)
	o.releaseRuntime(snapshot.ID)

	log.Info("operation_completed", slog.Int("issues", len(report.Issues)))
	if !opts.Silent {
		msg := fmt.Sprintf("%s %q", op.pastTense(), t.Name)
		if n := len(report.Issues); n > 0 {
			msg += fmt.Sprintf(" (%d teardown issue(s))", n)
		}
		o.notify(Notice{Level: LevelSuccess, TaskID: t.ID, Message: msg})
	}
	return report, nil
}

// teardown runs stop then teardown for every target concurrently. Stop
// failures are only logged; teardown failures and timeouts become issues.
func (o *Orchestrator) teardown(ctx context.Context, t *task.Task) []Issue {
	targets := t.Targets()
	outcomes := make([]Outcome, len(targets))

	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			if err := o.deps.Scripts.Stop(ctx, t.ProjectID, t.ProjectPath, target); err != nil {
				lifecycleLog.Debug("stop_failed", slog.String("task", target.ID), slog.String("error", err.Error()))
			}
			outcomes[i] = o.teardownTarget(ctx, t, target)
			return nil
		})
	}
	_ = g.Wait()

	_, failed := partition(outcomes)
	for _, f := range failed {
		attrs := []any{slog.String("task", f.Target.ID), slog.Bool("timed_out", f.TimedOut)}
		if f.Err != nil {
			attrs = append(attrs, slog.String("error", f.Err.Error()))
		}
		lifecycleLog.Warn("teardown_issue", attrs...)
	}
	return issuesFrom(failed)
}

// teardownTarget races the teardown script against the timeout. On timeout
// the script keeps running; only the wait ends.
func (o *Orchestrator) teardownTarget(ctx context.Context, t *task.Task, target task.Target) Outcome {
	done := make(chan error, 1)
	go func() {
		done <- o.deps.Scripts.Teardown(ctx, t.ProjectID, t.ProjectPath, target)
	}()

	expired := make(chan struct{})
	timer := o.clk.AfterFunc(o.cfg.TeardownTimeout, func() { close(expired) })

	select {
	case err := <-done:
		timer.Stop()
		return Outcome{Target: target, Step: "teardown", Err: err}
	case <-expired:
		return Outcome{Target: target, Step: "teardown", TimedOut: true}
	}
}

// killSessions kills every session of the task and clears its captured
// output. Each attempt is independent.
func (o *Orchestrator) killSessions(ctx context.Context, t *task.Task) {
	ids := t.SessionIDs()
	outcomes := make([]Outcome, len(ids)*2)

	var g errgroup.Group
	for i, id := range ids {
		target := task.Target{ID: id, Label: id}
		g.Go(func() error {
			outcomes[2*i] = Outcome{Target: target, Step: "kill", Err: o.deps.Sessions.Kill(ctx, id)}
			outcomes[2*i+1] = Outcome{Target: target, Step: "clear_snapshot", Err: o.deps.Sessions.ClearSnapshot(ctx, id)}
			return nil
		})
	}
	_ = g.Wait()

	_, failed := partition(outcomes)
	for _, f := range failed {
		lifecycleLog.Warn("session_cleanup_failed",
			slog.String("session", f.Target.ID),
			slog.String("step", f.Step),
			slog.String("error", f.Err.Error()))
	}
}

// commit performs the authoritative mutation.
func (o *Orchestrator) commit(ctx context.Context, op Op, t *task.Task) error {
	if op == OpArchive {
		return o.deps.Store.ArchiveTask(ctx, t.ProjectID, t.ID)
	}

	var wcErr, recErr error
	var g errgroup.Group
	g.Go(func() error {
		wcErr = o.removeWorkingCopies(ctx, t)
		return wcErr
	})
	g.Go(func() error {
		recErr = o.deps.Store.DeleteTask(ctx, t.ProjectID, t.ID)
		return recErr
	})
	_ = g.Wait()
	return errors.Join(wcErr, recErr)
}

func (o *Orchestrator) removeWorkingCopies(ctx context.Context, t *task.Task) error {
	if !t.UseWorktree {
		lifecycleLog.Info("working_copy_shared_skip", slog.String("task", t.ID), slog.String("path", t.ProjectPath))
		return nil
	}
	var errs []error
	for _, path := range t.WorkingCopies() {
		if path == t.ProjectPath {
			lifecycleLog.Warn("working_copy_is_project_skip", slog.String("task", t.ID), slog.String("path", path))
			continue
		}
		if err := o.deps.WorkingCopies.Remove(ctx, t.ProjectPath, path); err != nil {
			errs = append(errs, fmt.Errorf("remove working copy %s: %w", path, err))
			continue
		}
		if o.deps.WorkingCopies.Exists(path) {
			errs = append(errs, fmt.Errorf("%w: %s", ErrWorkingCopyRemains, path))
		}
	}
	return errors.Join(errs...)
}

// clearBookkeeping drops lifecycle records of the task and every variant.
func (o *Orchestrator) clearBookkeeping(ctx context.Context, t *task.Task) {
	for _, id := range t.TargetIDs() {
		if err := o.deps.Scripts.Clear(ctx, id); err != nil {
			lifecycleLog.Debug("clear_bookkeeping_failed", slog.String("task", id), slog.String("error", err.Error()))
		}
	}
}

func (o *Orchestrator) releaseRuntime(taskID string) {
	o.DisarmAutoArchive(taskID)
	for _, rs := range o.deps.Runtime {
		rs.RemoveTask(taskID)
	}
}

// rollback restores the board after a failed authoritative step: from a
// fresh store read when possible, else from the cached snapshot.
func (o *Orchestrator) rollback(ctx context.Context, snapshot *task.Task, index int, wasSelected bool) {
	board := o.deps.Board
	tasks, err := o.refresh(ctx, snapshot.ProjectID)
	if err == nil {
		board.Replace(snapshot.ProjectID, tasks)
		if _, found := board.Find(snapshot.ID); found && wasSelected {
			board.Select(snapshot.ID)
		}
		lifecycleLog.Info("rollback_refreshed", slog.String("task", snapshot.ID), slog.Int("tasks", len(tasks)))
		return
	}

	lifecycleLog.Warn("rollback_refresh_failed", slog.String("task", snapshot.ID), slog.String("error", err.Error()))
	// An archived task was never on the active board.
	if index < 0 || snapshot.Archived() {
		return
	}
	board.Insert(snapshot.ProjectID, index, snapshot)
	if wasSelected {
		board.Select(snapshot.ID)
	}
}

// refresh reads the project's task list, coalescing concurrent reads.
func (o *Orchestrator) refresh(ctx context.Context, projectID string) ([]*task.Task, error) {
	v, err, _ := o.refreshes.Do(projectID, func() (any, error) {
		return o.deps.Store.ListTasks(ctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*task.Task), nil
}

// Restore clears the archived marker, refreshes the board and reruns setup
// for every target. The returned task is nil when the refreshed list does
// not contain it; setup is then skipped.
func (o *Orchestrator) Restore(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t == nil {
		return nil, ErrNilTask
	}
	release, running, ok := o.acquire(OpRestore, t.ID)
	if !ok {
		return nil, o.rejectBusy(t, running)
	}
	defer release()

	if err := o.deps.Store.RestoreTask(ctx, t.ProjectID, t.ID); err != nil {
		lifecycleLog.Error("restore_failed", slog.String("task", t.ID), slog.String("error", err.Error()))
		o.notify(Notice{Level: LevelError, TaskID: t.ID,
			Message: fmt.Sprintf("Failed to restore %q: %v", t.Name, err)})
		return nil, fmt.Errorf("restore %s: %w", t.ID, err)
	}

	board := o.deps.Board
	var restored *task.Task
	tasks, err := o.refresh(ctx, t.ProjectID)
	if err == nil {
		board.Replace(t.ProjectID, tasks)
		restored, _ = board.Find(t.ID)
	} else {
		lifecycleLog.Warn("restore_refresh_failed", slog.String("task", t.ID), slog.String("error", err.Error()))
		restored = t.Clone()
		restored.ArchivedAt = nil
		board.Prepend(t.ProjectID, restored)
	}
	if restored == nil {
		lifecycleLog.Warn("restore_missing_after_refresh", slog.String("task", t.ID))
		return nil, nil
	}

	o.setup(ctx, restored)
	board.Select(restored.ID)
	o.notify(Notice{Level: LevelSuccess, TaskID: t.ID, Message: fmt.Sprintf("Restored %q", restored.Name)})
	return restored, nil
}

// setup runs the setup script for every target concurrently, best-effort.
func (o *Orchestrator) setup(ctx context.Context, t *task.Task) {
	targets := t.Targets()
	outcomes := make([]Outcome, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			outcomes[i] = Outcome{Target: target, Step: "setup",
				Err: o.deps.Scripts.Setup(ctx, t.ProjectID, t.ProjectPath, target)}
			return nil
		})
	}
	_ = g.Wait()

	_, failed := partition(outcomes)
	for _, f := range failed {
		lifecycleLog.Warn("setup_failed", slog.String("task", f.Target.ID), slog.String("error", f.Err.Error()))
	}
}

func (o *Orchestrator) notify(n Notice) {
	if o.deps.Notifier != nil {
		o.deps.Notifier.Notify(n)
	}
}

// Close disarms every auto-archive watch and cancels background archives.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.armed))
	for id := range o.armed {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.DisarmAutoArchive(id)
	}
	o.cancel()
}
