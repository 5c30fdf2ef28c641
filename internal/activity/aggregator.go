package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/clock"
	"github.com/asheshgoplani/taskdeck/internal/logging"
)

// Config holds the hysteresis windows.
type Config struct {
	// HoldWindow is the minimum time a task stays busy after its last busy
	// signal.
	HoldWindow time.Duration
	// ClearWindow forces a task back to not-busy when no busy signal has
	// arrived for this long.
	ClearWindow time.Duration
}

// DefaultConfig returns the stock windows (0.8s hold, 2s clear).
func DefaultConfig() Config {
	return Config{HoldWindow: 800 * time.Millisecond, ClearWindow: 2 * time.Second}
}

// State is the debounced activity of one task.
type State struct {
	Busy  bool
	Since time.Time // when the task last became busy; zero while not busy
}

// Listener receives the busy flag of one task.
type Listener func(busy bool)

// SubscriptionID identifies a listener registration.
type SubscriptionID uint64

type taskState struct {
	busy       bool
	since      time.Time
	lastBusy   time.Time
	holdTimer  clock.Timer
	holdGen    uint64
	clearTimer clock.Timer
	clearGen   uint64
}

type subscription struct {
	taskID string
	fn     Listener
}

// Aggregator debounces busy/not-busy signals per task with a hold window
// and a clear window. Listener callbacks run on the goroutine that caused
// the transition, outside the aggregator's lock.
type Aggregator struct {
	cfg        Config
	clock      clock.Clock
	classifier *Classifier

	mu      sync.Mutex
	tasks   map[string]*taskState
	subs    map[SubscriptionID]subscription
	nextID  SubscriptionID
	streams map[string]*stream
}

// NewAggregator returns an aggregator. A nil clock means the wall clock and
// a nil classifier means the built-in grammars.
func NewAggregator(cfg Config, clk clock.Clock, classifier *Classifier) *Aggregator {
	def := DefaultConfig()
	if cfg.HoldWindow <= 0 {
		cfg.HoldWindow = def.HoldWindow
	}
	if cfg.ClearWindow <= 0 {
		cfg.ClearWindow = def.ClearWindow
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if classifier == nil {
		classifier = NewClassifier(nil, nil)
	}
	return &Aggregator{
		cfg:        cfg,
		clock:      clk,
		classifier: classifier,
		tasks:      make(map[string]*taskState),
		subs:       make(map[SubscriptionID]subscription),
		streams:    make(map[string]*stream),
	}
}

// SetBusy records a busy signal for the task.
func (a *Aggregator) SetBusy(taskID string) {
	a.mu.Lock()
	ts := a.stateLocked(taskID)
	now := a.clock.Now()

	stopTimer(&ts.holdTimer)
	ts.holdGen++
	ts.lastBusy = now

	became := !ts.busy
	if became {
		ts.busy = true
		ts.since = now
	}

	stopTimer(&ts.clearTimer)
	ts.clearGen++
	gen := ts.clearGen
	ts.clearTimer = a.clock.AfterFunc(a.cfg.ClearWindow, func() { a.expire(taskID, gen) })

	var listeners []Listener
	if became {
		listeners = a.listenersLocked(taskID)
	}
	a.mu.Unlock()

	if became {
		activityLog.Debug("task_busy", slog.String("task", taskID))
		a.notify(taskID, true, listeners)
	}
}

// SetNotBusy records a not-busy signal. The task clears immediately only if
// the hold window since its last busy signal has passed; otherwise the
// clear is deferred to the end of the window.
func (a *Aggregator) SetNotBusy(taskID string) {
	a.mu.Lock()
	ts, ok := a.tasks[taskID]
	if !ok || !ts.busy {
		a.mu.Unlock()
		return
	}

	elapsed := a.clock.Now().Sub(ts.lastBusy)
	if elapsed < a.cfg.HoldWindow {
		stopTimer(&ts.holdTimer)
		ts.holdGen++
		gen := ts.holdGen
		ts.holdTimer = a.clock.AfterFunc(a.cfg.HoldWindow-elapsed, func() { a.release(taskID, gen) })
		a.mu.Unlock()
		return
	}

	listeners := a.clearLocked(ts, taskID)
	a.mu.Unlock()
	a.notifyCleared(taskID, listeners, "signal")
}

func (a *Aggregator) release(taskID string, gen uint64) {
	a.mu.Lock()
	ts, ok := a.tasks[taskID]
	if !ok || ts.holdGen != gen || !ts.busy {
		a.mu.Unlock()
		return
	}
	ts.holdTimer = nil
	listeners := a.clearLocked(ts, taskID)
	a.mu.Unlock()
	a.notifyCleared(taskID, listeners, "hold_elapsed")
}

func (a *Aggregator) expire(taskID string, gen uint64) {
	a.mu.Lock()
	ts, ok := a.tasks[taskID]
	if !ok || ts.clearGen != gen || !ts.busy {
		a.mu.Unlock()
		return
	}
	ts.clearTimer = nil
	listeners := a.clearLocked(ts, taskID)
	a.mu.Unlock()
	a.notifyCleared(taskID, listeners, "clear_window")
}

func (a *Aggregator) clearLocked(ts *taskState, taskID string) []Listener {
	stopTimer(&ts.holdTimer)
	stopTimer(&ts.clearTimer)
	ts.holdGen++
	ts.clearGen++
	ts.busy = false
	ts.since = time.Time{}
	return a.listenersLocked(taskID)
}

func (a *Aggregator) notifyCleared(taskID string, listeners []Listener, reason string) {
	activityLog.Debug("task_not_busy", slog.String("task", taskID), slog.String("reason", reason))
	a.notify(taskID, false, listeners)
}

// IsBusy reports the debounced busy flag. Unknown tasks are not busy.
func (a *Aggregator) IsBusy(taskID string) bool {
	return a.State(taskID).Busy
}

// State returns the debounced state of the task.
func (a *Aggregator) State(taskID string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tasks[taskID]; ok {
		return State{Busy: ts.busy, Since: ts.since}
	}
	return State{}
}

// Subscribe registers fn for the task's transitions and calls it once right
// away with the current flag.
func (a *Aggregator) Subscribe(taskID string, fn Listener) SubscriptionID {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.subs[id] = subscription{taskID: taskID, fn: fn}
	busy := false
	if ts, ok := a.tasks[taskID]; ok {
		busy = ts.busy
	}
	a.mu.Unlock()

	a.notify(taskID, busy, []Listener{fn})
	return id
}

// Unsubscribe removes a listener. Pending timers are unaffected.
func (a *Aggregator) Unsubscribe(id SubscriptionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, id)
}

// Subscribers returns the number of listeners registered for the task.
func (a *Aggregator) Subscribers(taskID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.subs {
		if s.taskID == taskID {
			n++
		}
	}
	return n
}

// Observe classifies one chunk of session output and feeds the verdict in.
func (a *Aggregator) Observe(taskID, kind, chunk string) Verdict {
	v := a.classifier.Classify(kind, chunk)
	logging.Aggregate(logging.CompActivity, "chunk_classified", slog.String("verdict", v.String()))
	switch v {
	case Busy:
		a.SetBusy(taskID)
	case Idle:
		a.SetNotBusy(taskID)
	}
	return v
}

// RemoveTask drops the task's state, timers, stream and listeners.
func (a *Aggregator) RemoveTask(taskID string) {
	a.mu.Lock()
	if ts, ok := a.tasks[taskID]; ok {
		stopTimer(&ts.holdTimer)
		stopTimer(&ts.clearTimer)
		delete(a.tasks, taskID)
	}
	for id, s := range a.subs {
		if s.taskID == taskID {
			delete(a.subs, id)
		}
	}
	s, ok := a.streams[taskID]
	delete(a.streams, taskID)
	a.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Close releases every task.
func (a *Aggregator) Close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.tasks)+len(a.streams))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	for id := range a.streams {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.RemoveTask(id)
	}
	a.mu.Lock()
	a.subs = make(map[SubscriptionID]subscription)
	a.mu.Unlock()
}

// PendingTimers counts armed hold and clear timers.
func (a *Aggregator) PendingTimers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ts := range a.tasks {
		if ts.holdTimer != nil {
			n++
		}
		if ts.clearTimer != nil {
			n++
		}
	}
	return n
}

func (a *Aggregator) stateLocked(taskID string) *taskState {
	ts, ok := a.tasks[taskID]
	if !ok {
		ts = &taskState{}
		a.tasks[taskID] = ts
	}
	return ts
}

func (a *Aggregator) listenersLocked(taskID string) []Listener {
	var out []Listener
	for _, s := range a.subs {
		if s.taskID == taskID {
			out = append(out, s.fn)
		}
	}
	return out
}

func (a *Aggregator) notify(taskID string, busy bool, listeners []Listener) {
	for _, fn := range listeners {
		callListener(taskID, busy, fn)
	}
}

func callListener(taskID string, busy bool, fn Listener) {
	defer func() {
		if r := recover(); r != nil {
			activityLog.Warn("listener_panic",
				slog.String("task", taskID),
				slog.Any("panic", r))
		}
	}()
	fn(busy)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
