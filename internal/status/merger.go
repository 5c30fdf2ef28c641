package status

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/asheshgoplani/taskdeck/internal/logging"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

var statusLog = logging.ForComponent(logging.CompStatus)

// ErrNoProtocolSource is returned when a protocol conversation is registered
// on a merger built without a protocol source.
var ErrNoProtocolSource = errors.New("no protocol source configured")

// Listener receives a task's aggregate dot.
type Listener func(taskID string, dot Dot)

type conversation struct {
	kind       task.Backend
	sessionKey string
	backend    Backend
}

type listener struct {
	taskID string // empty: every task
	fn     Listener
}

// Merger keeps one backend per registered conversation and reports the
// worst dot across a task's conversations.
type Merger struct {
	terminal TerminalSource
	protocol ProtocolSource

	mu     sync.Mutex
	tasks  map[string]map[string]*conversation
	subs   map[SubscriptionID]listener
	nextID SubscriptionID
}

// NewMerger returns a merger. protocol may be nil if only terminal
// conversations are used.
func NewMerger(terminal TerminalSource, protocol ProtocolSource) *Merger {
	return &Merger{
		terminal: terminal,
		protocol: protocol,
		tasks:    make(map[string]map[string]*conversation),
		subs:     make(map[SubscriptionID]listener),
	}
}

// RegisterConversation attaches a backend for the conversation. Registering
// the same conversation again replaces the previous backend.
func (m *Merger) RegisterConversation(taskID, convID string, kind task.Backend, sessionKey string) error {
	var b Backend
	onChange := func() { m.emit(taskID) }
	switch kind {
	case task.BackendTerminal:
		b = newTerminalBackend(m.terminal, taskID, onChange)
	case task.BackendProtocol:
		if sessionKey == "" {
			return fmt.Errorf("register %s/%s: %w", taskID, convID, task.ErrMissingSessionKey)
		}
		if m.protocol == nil {
			return fmt.Errorf("register %s/%s: %w", taskID, convID, ErrNoProtocolSource)
		}
		b = newProtocolBackend(m.protocol, sessionKey, onChange)
	default:
		return fmt.Errorf("register %s/%s: %w: %q", taskID, convID, task.ErrUnknownBackendKind, kind)
	}

	m.mu.Lock()
	convs, ok := m.tasks[taskID]
	if !ok {
		convs = make(map[string]*conversation)
		m.tasks[taskID] = convs
	}
	old := convs[convID]
	convs[convID] = &conversation{kind: kind, sessionKey: sessionKey, backend: b}
	m.mu.Unlock()

	if old != nil {
		old.backend.Close()
	}
	statusLog.Debug("conversation_registered",
		slog.String("task", taskID),
		slog.String("conversation", convID),
		slog.String("backend", string(kind)),
		slog.Bool("replaced", old != nil))
	m.emit(taskID)
	return nil
}

// UnregisterConversation drops the conversation's backend. The task entry
// goes away with its last conversation.
func (m *Merger) UnregisterConversation(taskID, convID string) {
	m.mu.Lock()
	convs := m.tasks[taskID]
	c, ok := convs[convID]
	if ok {
		delete(convs, convID)
		if len(convs) == 0 {
			delete(m.tasks, taskID)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	c.backend.Close()
	m.emit(taskID)
}

// Conversations returns the number of registered conversations for a task.
func (m *Merger) Conversations(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks[taskID])
}

// Dot returns the worst dot across the task's conversations, or DotReady
// when none are registered.
func (m *Merger) Dot(taskID string) Dot {
	m.mu.Lock()
	backends := make([]Backend, 0, len(m.tasks[taskID]))
	for _, c := range m.tasks[taskID] {
		backends = append(backends, c.backend)
	}
	m.mu.Unlock()

	dots := make([]Dot, len(backends))
	for i, b := range backends {
		dots[i] = b.CurrentDot()
	}
	return Worst(dots...)
}

// SetTerminalDot sets the last-known dot shown by the task's terminal
// conversations while they are not busy.
func (m *Merger) SetTerminalDot(taskID string, d Dot) {
	m.mu.Lock()
	n := 0
	for _, c := range m.tasks[taskID] {
		if tb, ok := c.backend.(*terminalBackend); ok {
			tb.setCached(d)
			n++
		}
	}
	m.mu.Unlock()

	if n > 0 {
		m.emit(taskID)
	}
}

// Subscribe calls fn with the task's dot now and after every change to any
// of its conversations.
func (m *Merger) Subscribe(taskID string, fn Listener) SubscriptionID {
	id := m.add(listener{taskID: taskID, fn: fn})
	d := m.Dot(taskID)
	callSafe(func() { fn(taskID, d) }, slog.String("task", taskID))
	return id
}

// SubscribeAll calls fn after every change to any task.
func (m *Merger) SubscribeAll(fn Listener) SubscriptionID {
	return m.add(listener{fn: fn})
}

func (m *Merger) add(l listener) SubscriptionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.subs[m.nextID] = l
	return m.nextID
}

// Unsubscribe removes a listener.
func (m *Merger) Unsubscribe(id SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
}

// RemoveTask tears down every backend of the task and drops its
// task-scoped listeners.
func (m *Merger) RemoveTask(taskID string) {
	m.mu.Lock()
	convs := m.tasks[taskID]
	delete(m.tasks, taskID)
	for id, l := range m.subs {
		if l.taskID == taskID {
			delete(m.subs, id)
		}
	}
	m.mu.Unlock()

	for _, c := range convs {
		c.backend.Close()
	}
	if len(convs) > 0 {
		statusLog.Debug("task_removed", slog.String("task", taskID), slog.Int("conversations", len(convs)))
	}
}

// Tasks lists task IDs with at least one registered conversation.
func (m *Merger) Tasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		out = append(out, id)
	}
	return out
}

// Close removes every task and listener.
func (m *Merger) Close() {
	for _, id := range m.Tasks() {
		m.RemoveTask(id)
	}
	m.mu.Lock()
	m.subs = make(map[SubscriptionID]listener)
	m.mu.Unlock()
}

func (m *Merger) emit(taskID string) {
	m.mu.Lock()
	var fns []Listener
	for _, l := range m.subs {
		if l.taskID == "" || l.taskID == taskID {
			fns = append(fns, l.fn)
		}
	}
	m.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	d := m.Dot(taskID)
	logging.Aggregate(logging.CompStatus, "dot_emitted", slog.String("dot", d.String()))
	for _, fn := range fns {
		callSafe(func() { fn(taskID, d) }, slog.String("task", taskID))
	}
}
