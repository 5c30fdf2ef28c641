package status

import (
	"sync"

	"github.com/asheshgoplani/taskdeck/internal/activity"
)

// Backend yields the current dot of one conversation.
type Backend interface {
	CurrentDot() Dot
	Close()
}

// TerminalSource is the debounced busy flag per task.
type TerminalSource interface {
	IsBusy(taskID string) bool
	Subscribe(taskID string, fn activity.Listener) activity.SubscriptionID
	Unsubscribe(id activity.SubscriptionID)
}

// gate drops callbacks that arrive while a backend is still subscribing;
// the registration emits once it is in place.
type gate struct {
	mu    sync.Mutex
	open  bool
	onChg func()
}

func (g *gate) fire() {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	if open {
		g.onChg()
	}
}

func (g *gate) openGate() {
	g.mu.Lock()
	g.open = true
	g.mu.Unlock()
}

func (g *gate) close() {
	g.mu.Lock()
	g.open = false
	g.mu.Unlock()
}

type terminalBackend struct {
	src    TerminalSource
	taskID string
	id     activity.SubscriptionID
	gate   *gate

	mu     sync.Mutex
	cached Dot
}

func newTerminalBackend(src TerminalSource, taskID string, onChange func()) *terminalBackend {
	b := &terminalBackend{
		src:    src,
		taskID: taskID,
		gate:   &gate{onChg: onChange},
		cached: DotReady,
	}
	b.id = src.Subscribe(taskID, func(bool) { b.gate.fire() })
	b.gate.openGate()
	return b
}

func (b *terminalBackend) CurrentDot() Dot {
	if b.src.IsBusy(b.taskID) {
		return DotWorking
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cached
}

func (b *terminalBackend) setCached(d Dot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = d
}

func (b *terminalBackend) Close() {
	b.gate.close()
	b.src.Unsubscribe(b.id)
}

type protocolBackend struct {
	src        ProtocolSource
	sessionKey string
	id         SubscriptionID
	gate       *gate
}

func newProtocolBackend(src ProtocolSource, sessionKey string, onChange func()) *protocolBackend {
	b := &protocolBackend{src: src, sessionKey: sessionKey, gate: &gate{onChg: onChange}}
	b.id = src.Subscribe(sessionKey, func(Dot) { b.gate.fire() })
	b.gate.openGate()
	return b
}

func (b *protocolBackend) CurrentDot() Dot {
	return b.src.Dot(b.sessionKey)
}

func (b *protocolBackend) Close() {
	b.gate.close()
	b.src.Unsubscribe(b.id)
}
