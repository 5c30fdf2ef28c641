package lifecycle

import (
	"log/slog"

	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

type autoArchive struct {
	sub      status.SubscriptionID
	worked   bool
	fired    bool
	fallback *task.Task
}

// ArmAutoArchive watches the task's merged dot and silently archives it
// once it settles to ready after having been working. Re-arming replaces
// the previous watch. It is a no-op without a DotSource.
func (o *Orchestrator) ArmAutoArchive(t *task.Task) {
	if o.deps.Dots == nil || t == nil {
		return
	}
	o.DisarmAutoArchive(t.ID)

	aa := &autoArchive{fallback: t.Clone()}
	o.mu.Lock()
	o.armed[t.ID] = aa
	o.mu.Unlock()

	// Subscribe emits the current dot synchronously.
	sub := o.deps.Dots.Subscribe(t.ID, func(taskID string, d status.Dot) {
		o.onAutoArchiveDot(aa, taskID, d)
	})

	o.mu.Lock()
	if cur, ok := o.armed[t.ID]; ok && cur == aa {
		aa.sub = sub
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	// Fired or disarmed during the initial emit.
	o.deps.Dots.Unsubscribe(sub)
}

// DisarmAutoArchive stops watching taskID.
func (o *Orchestrator) DisarmAutoArchive(taskID string) {
	o.mu.Lock()
	aa, ok := o.armed[taskID]
	delete(o.armed, taskID)
	o.mu.Unlock()
	if ok && aa.sub != 0 && o.deps.Dots != nil {
		o.deps.Dots.Unsubscribe(aa.sub)
	}
}

// AutoArchiveArmed reports whether taskID is watched.
func (o *Orchestrator) AutoArchiveArmed(taskID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.armed[taskID]
	return ok
}

func (o *Orchestrator) onAutoArchiveDot(aa *autoArchive, taskID string, d status.Dot) {
	o.mu.Lock()
	if o.armed[taskID] != aa || aa.fired {
		o.mu.Unlock()
		return
	}
	switch d {
	case status.DotWorking:
		aa.worked = true
		o.mu.Unlock()
		return
	case status.DotReady:
		if !aa.worked {
			o.mu.Unlock()
			return
		}
	default:
		o.mu.Unlock()
		return
	}
	aa.fired = true
	o.mu.Unlock()

	// Listeners run inside the merger's emit; archive off that path.
	go func() {
		o.DisarmAutoArchive(taskID)
		t, ok := o.deps.Board.Find(taskID)
		if !ok {
			t = aa.fallback
		}
		lifecycleLog.Info("auto_archive", slog.String("task", taskID))
		if _, err := o.Archive(o.ctx, t, Options{Silent: true}); err != nil {
			lifecycleLog.Warn("auto_archive_failed", slog.String("task", taskID), slog.String("error", err.Error()))
		}
	}()
}
