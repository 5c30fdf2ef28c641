package status

import (
	"log/slog"
	"sync"
)

// SubscriptionID identifies a listener registration.
type SubscriptionID uint64

// ProtocolSource reports the status of structured-protocol sessions keyed
// by session key.
type ProtocolSource interface {
	Dot(sessionKey string) Dot
	// Subscribe calls fn whenever the session's dot changes.
	Subscribe(sessionKey string, fn func(Dot)) SubscriptionID
	Unsubscribe(id SubscriptionID)
}

// MemorySource is a ProtocolSource fed by Set. Unknown keys report
// DotReady.
type MemorySource struct {
	mu     sync.Mutex
	dots   map[string]Dot
	subs   map[SubscriptionID]memorySub
	nextID SubscriptionID
}

type memorySub struct {
	key string
	fn  func(Dot)
}

var _ ProtocolSource = (*MemorySource)(nil)

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		dots: make(map[string]Dot),
		subs: make(map[SubscriptionID]memorySub),
	}
}

func (s *MemorySource) Dot(sessionKey string) Dot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dots[sessionKey]; ok {
		return d
	}
	return DotReady
}

// Set records the session's dot and notifies subscribers when it changed.
func (s *MemorySource) Set(sessionKey string, d Dot) {
	s.mu.Lock()
	prev, had := s.dots[sessionKey]
	s.dots[sessionKey] = d
	if had && prev == d {
		s.mu.Unlock()
		return
	}
	fns := s.listenersLocked(sessionKey)
	s.mu.Unlock()

	for _, fn := range fns {
		callSafe(func() { fn(d) }, slog.String("session_key", sessionKey))
	}
}

// Delete forgets the session; subscribers see DotReady.
func (s *MemorySource) Delete(sessionKey string) {
	s.mu.Lock()
	if _, ok := s.dots[sessionKey]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.dots, sessionKey)
	fns := s.listenersLocked(sessionKey)
	s.mu.Unlock()

	for _, fn := range fns {
		callSafe(func() { fn(DotReady) }, slog.String("session_key", sessionKey))
	}
}

// Keys lists sessions with a recorded dot.
func (s *MemorySource) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.dots))
	for k := range s.dots {
		keys = append(keys, k)
	}
	return keys
}

func (s *MemorySource) Subscribe(sessionKey string, fn func(Dot)) SubscriptionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = memorySub{key: sessionKey, fn: fn}
	return s.nextID
}

func (s *MemorySource) Unsubscribe(id SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Subscribers counts live subscriptions across all keys.
func (s *MemorySource) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *MemorySource) listenersLocked(key string) []func(Dot) {
	var out []func(Dot)
	for _, sub := range s.subs {
		if sub.key == key {
			out = append(out, sub.fn)
		}
	}
	return out
}

func callSafe(fn func(), attrs ...any) {
	defer func() {
		if r := recover(); r != nil {
			statusLog.Warn("listener_panic", append(attrs, slog.Any("panic", r))...)
		}
	}()
	fn()
}
