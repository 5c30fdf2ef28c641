// Package idle derives a coarse busy/idle status per task from raw session
// lifecycle events, independent of output classification.
package idle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/clock"
	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

var idleLog = logging.ForComponent(logging.CompIdle)

// Status is the derived status of a task.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Exit describes how a session ended.
type Exit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Failed reports whether the session ended abnormally.
func (e Exit) Failed() bool {
	return e.Code != 0 || e.Signal != ""
}

// Config holds the tracker's timing.
type Config struct {
	// IdleAfter is how long a task may go without output before it is
	// considered idle.
	IdleAfter time.Duration
	// SweepInterval is how often busy tasks are checked.
	SweepInterval time.Duration
}

// DefaultConfig returns a 12s idle threshold swept every 3s.
func DefaultConfig() Config {
	return Config{IdleAfter: 12 * time.Second, SweepInterval: 3 * time.Second}
}

// Listener receives status changes.
type Listener func(taskID string, status Status)

// SubscriptionID identifies a listener registration.
type SubscriptionID uint64

// Tracker keeps last-activity timestamps per task and flips tasks idle once
// they have been quiet for IdleAfter. The periodic sweep only runs while at
// least one task is busy.
type Tracker struct {
	cfg   Config
	clock clock.Clock

	mu           sync.Mutex
	lastActivity map[string]time.Time
	status       map[string]Status
	subs         map[SubscriptionID]Listener
	nextID       SubscriptionID
	sweep        clock.Timer
	sweepGen     uint64
}

// NewTracker returns a tracker. A nil clock means the wall clock.
func NewTracker(cfg Config, clk clock.Clock) *Tracker {
	def := DefaultConfig()
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		cfg:          cfg,
		clock:        clk,
		lastActivity: make(map[string]time.Time),
		status:       make(map[string]Status),
		subs:         make(map[SubscriptionID]Listener),
	}
}

// HandleSessionData records output from a session.
func (t *Tracker) HandleSessionData(sessionID string) {
	if taskID, ok := resolve(sessionID); ok {
		t.ObserveOutput(taskID)
	}
}

// HandleSessionStart records a session start.
func (t *Tracker) HandleSessionStart(sessionID string) {
	if taskID, ok := resolve(sessionID); ok {
		t.ObserveStart(taskID)
	}
}

// HandleSessionExit records a session exit.
func (t *Tracker) HandleSessionExit(sessionID string, exit Exit) {
	if taskID, ok := resolve(sessionID); ok {
		t.ObserveExit(taskID, exit)
	}
}

func resolve(sessionID string) (string, bool) {
	ref, err := task.ParseSessionID(sessionID)
	if err != nil {
		idleLog.Debug("unroutable_session", slog.String("session", sessionID))
		return "", false
	}
	return ref.TaskID, true
}

// ObserveOutput marks the task busy and refreshes its activity time.
func (t *Tracker) ObserveOutput(taskID string) {
	t.touch(taskID)
}

// ObserveStart is treated like output.
func (t *Tracker) ObserveStart(taskID string) {
	t.touch(taskID)
}

func (t *Tracker) touch(taskID string) {
	t.mu.Lock()
	t.lastActivity[taskID] = t.clock.Now()
	changed := t.status[taskID] != StatusBusy
	t.status[taskID] = StatusBusy
	t.ensureSweepLocked()
	listeners := t.listenersLocked(changed)
	t.mu.Unlock()

	t.notify(taskID, StatusBusy, listeners)
}

// ObserveExit marks the task idle immediately.
func (t *Tracker) ObserveExit(taskID string, exit Exit) {
	t.mu.Lock()
	changed := t.status[taskID] == StatusBusy
	t.status[taskID] = StatusIdle
	t.lastActivity[taskID] = t.clock.Now()
	listeners := t.listenersLocked(changed)
	t.mu.Unlock()

	if exit.Failed() {
		idleLog.Info("session_exit_failed",
			slog.String("task", taskID),
			slog.Int("code", exit.Code),
			slog.String("signal", exit.Signal))
	}
	t.notify(taskID, StatusIdle, listeners)
}

// Status returns the task's derived status; unknown tasks are idle.
func (t *Tracker) Status(taskID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[taskID]; ok {
		return s
	}
	return StatusIdle
}

// LastActivity returns when the task last produced output, started or exited.
func (t *Tracker) LastActivity(taskID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.lastActivity[taskID]
	return at, ok
}

// Subscribe registers a listener for status changes of every task.
func (t *Tracker) Subscribe(fn Listener) SubscriptionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.subs[t.nextID] = fn
	return t.nextID
}

// Unsubscribe removes a listener.
func (t *Tracker) Unsubscribe(id SubscriptionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
}

// RemoveTask forgets the task. The sweep stops on its next pass if nothing
// else is busy.
func (t *Tracker) RemoveTask(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastActivity, taskID)
	delete(t.status, taskID)
}

// Sweeping reports whether the periodic sweep is armed.
func (t *Tracker) Sweeping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweep != nil
}

// Close stops the sweep and drops all state.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopSweepLocked()
	t.lastActivity = make(map[string]time.Time)
	t.status = make(map[string]Status)
	t.subs = make(map[SubscriptionID]Listener)
}

func (t *Tracker) ensureSweepLocked() {
	if t.sweep != nil {
		return
	}
	t.sweepGen++
	gen := t.sweepGen
	t.sweep = t.clock.AfterFunc(t.cfg.SweepInterval, func() { t.runSweep(gen) })
	idleLog.Debug("sweep_started")
}

func (t *Tracker) stopSweepLocked() {
	if t.sweep != nil {
		t.sweep.Stop()
		t.sweep = nil
	}
	t.sweepGen++
}

func (t *Tracker) runSweep(gen uint64) {
	t.mu.Lock()
	if gen != t.sweepGen {
		t.mu.Unlock()
		return
	}
	t.sweep = nil

	now := t.clock.Now()
	var expired []string
	busy := 0
	for id, s := range t.status {
		if s != StatusBusy {
			continue
		}
		if now.Sub(t.lastActivity[id]) >= t.cfg.IdleAfter {
			t.status[id] = StatusIdle
			expired = append(expired, id)
			continue
		}
		busy++
	}
	if busy > 0 {
		t.ensureSweepLocked()
	} else {
		t.sweepGen++
		idleLog.Debug("sweep_stopped")
	}
	listeners := t.listenersLocked(len(expired) > 0)
	t.mu.Unlock()

	for _, id := range expired {
		idleLog.Debug("task_idle_timeout", slog.String("task", id))
		t.notify(id, StatusIdle, listeners)
	}
}

func (t *Tracker) listenersLocked(changed bool) []Listener {
	if !changed || len(t.subs) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(t.subs))
	for _, fn := range t.subs {
		out = append(out, fn)
	}
	return out
}

func (t *Tracker) notify(taskID string, status Status, listeners []Listener) {
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					idleLog.Warn("listener_panic", slog.String("task", taskID), slog.Any("panic", r))
				}
			}()
			fn(taskID, status)
		}()
	}
}
