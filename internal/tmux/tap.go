package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Callbacks receive session events from a Tap. Any of them may be nil.
// They are called from Tap goroutines and must not block for long.
type Callbacks struct {
	OnStart  func(sessionID string)
	OnOutput func(sessionID string, data []byte)
	OnEnd    func(sessionID string)
}

// Tap keeps a control mode pipe open to every running taskdeck session and
// forwards their output. Sessions are discovered by Sync.
type Tap struct {
	binary string
	cb     Callbacks
	list   func(context.Context) ([]string, error)

	mu    sync.RWMutex
	pipes map[string]*ControlPipe // sessionID -> pipe
	known map[string]bool         // sessions reported via OnStart

	reconnectMu  sync.Mutex
	reconnecting map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTap creates a Tap bound to ctx. binary may be empty for "tmux".
func NewTap(ctx context.Context, binary string, cb Callbacks) *Tap {
	childCtx, cancel := context.WithCancel(ctx)
	return &Tap{
		binary:       binary,
		cb:           cb,
		list:         Sessions{Binary: binary}.List,
		pipes:        make(map[string]*ControlPipe),
		known:        make(map[string]bool),
		reconnecting: make(map[string]bool),
		ctx:          childCtx,
		cancel:       cancel,
	}
}

// Run syncs immediately and then every interval until ctx or the Tap is
// done.
func (t *Tap) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := t.Sync(ctx); err != nil {
			pipeLog.Debug("tap_sync_failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync connects to new sessions and reports sessions that disappeared.
func (t *Tap) Sync(ctx context.Context) error {
	ids, err := t.list(ctx)
	if err != nil {
		return err
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
		if t.Connected(id) {
			continue
		}
		if err := t.Connect(id); err != nil {
			pipeLog.Debug("tap_connect_failed", slog.String("session", id), slog.String("error", err.Error()))
		}
	}

	t.mu.RLock()
	var gone []string
	for id := range t.known {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	t.mu.RUnlock()
	for _, id := range gone {
		t.Disconnect(id)
	}
	return nil
}

// Connect attaches a control pipe to the session. A live pipe makes this a
// no-op. The first successful connect reports OnStart.
func (t *Tap) Connect(sessionID string) error {
	t.mu.Lock()
	if existing, ok := t.pipes[sessionID]; ok && existing.IsAlive() {
		t.mu.Unlock()
		return nil
	}
	if existing, ok := t.pipes[sessionID]; ok {
		existing.Close()
		delete(t.pipes, sessionID)
	}
	t.mu.Unlock()

	t.reconnectMu.Lock()
	if t.reconnecting[sessionID] {
		t.reconnectMu.Unlock()
		return nil
	}
	t.reconnecting[sessionID] = true
	t.reconnectMu.Unlock()
	defer func() {
		t.reconnectMu.Lock()
		delete(t.reconnecting, sessionID)
		t.reconnectMu.Unlock()
	}()

	pipe, err := NewControlPipe(t.binary, SessionName(sessionID))
	if err != nil {
		return fmt.Errorf("connect pipe for %s: %w", sessionID, err)
	}

	t.mu.Lock()
	if existing, ok := t.pipes[sessionID]; ok && existing.IsAlive() {
		t.mu.Unlock()
		pipe.Close()
		return nil
	}
	t.pipes[sessionID] = pipe
	first := !t.known[sessionID]
	t.known[sessionID] = true
	t.mu.Unlock()

	if first && t.cb.OnStart != nil {
		t.cb.OnStart(sessionID)
	}

	go t.forwardOutput(sessionID, pipe)
	go t.watchPipe(sessionID, pipe)
	return nil
}

// Disconnect closes the session's pipe and reports OnEnd if the session had
// been reported as started.
func (t *Tap) Disconnect(sessionID string) {
	t.mu.Lock()
	pipe := t.pipes[sessionID]
	delete(t.pipes, sessionID)
	wasKnown := t.known[sessionID]
	delete(t.known, sessionID)
	t.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
	if wasKnown && t.cb.OnEnd != nil {
		t.cb.OnEnd(sessionID)
	}
	pipeLog.Debug("pipe_disconnected", slog.String("session", sessionID))
}

// Connected returns true if a session has an alive pipe.
func (t *Tap) Connected(sessionID string) bool {
	t.mu.RLock()
	pipe := t.pipes[sessionID]
	t.mu.RUnlock()
	return pipe != nil && pipe.IsAlive()
}

// ConnectedCount returns the number of alive pipes.
func (t *Tap) ConnectedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for _, p := range t.pipes {
		if p.IsAlive() {
			count++
		}
	}
	return count
}

// Close shuts down all pipes without reporting OnEnd.
func (t *Tap) Close() {
	t.cancel()

	t.mu.Lock()
	pipes := maps.Clone(t.pipes)
	t.pipes = make(map[string]*ControlPipe)
	t.known = make(map[string]bool)
	t.mu.Unlock()

	for id, pipe := range pipes {
		pipe.Close()
		pipeLog.Debug("pipe_shutdown", slog.String("session", id))
	}
}

func (t *Tap) forwardOutput(sessionID string, pipe *ControlPipe) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case data := <-pipe.Output():
			if t.cb.OnOutput != nil {
				t.cb.OnOutput(sessionID, data)
			}
		case <-pipe.Done():
			return
		}
	}
}

// watchPipe reconnects a dead pipe with exponential backoff (2s up to 30s)
// and reports the session ended once tmux no longer has it.
func (t *Tap) watchPipe(sessionID string, pipe *ControlPipe) {
	select {
	case <-pipe.Done():
	case <-t.ctx.Done():
		return
	}

	t.reconnectMu.Lock()
	if t.reconnecting[sessionID] {
		t.reconnectMu.Unlock()
		return
	}
	t.reconnecting[sessionID] = true
	t.reconnectMu.Unlock()

	release := func() {
		t.reconnectMu.Lock()
		delete(t.reconnecting, sessionID)
		t.reconnectMu.Unlock()
	}

	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second
	const maxRetries = 5
	sessions := Sessions{Binary: t.binary}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if !sessions.Exists(t.ctx, sessionID) {
			pipeLog.Debug("pipe_session_gone", slog.String("session", sessionID))
			release()
			t.Disconnect(sessionID)
			return
		}

		select {
		case <-t.ctx.Done():
			release()
			return
		case <-time.After(backoff):
		}

		release()
		err := t.Connect(sessionID)
		if err == nil {
			pipeLog.Info("pipe_reconnected", slog.String("session", sessionID))
			return
		}
		pipeLog.Debug("pipe_reconnect_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt+1),
			slog.Duration("next_retry", backoff))
		t.reconnectMu.Lock()
		t.reconnecting[sessionID] = true
		t.reconnectMu.Unlock()

		backoff = min(backoff*2, maxBackoff)
	}

	pipeLog.Debug("pipe_reconnect_gave_up", slog.String("session", sessionID), slog.Int("max_retries", maxRetries))
	release()
	t.Disconnect(sessionID)
}
