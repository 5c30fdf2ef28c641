package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HookSource is a ProtocolSource fed by agent hook scripts that write
// <sessionKey>.json files into a directory:
//
//	{"status": "running", "event": "PreToolUse", "ts": 1700000000}
type HookSource struct {
	*MemorySource

	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	updated map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

type hookFile struct {
	Status    string `json:"status"`
	Event     string `json:"event"`
	Timestamp int64  `json:"ts"`
}

// NewHookSource creates the directory if needed and prepares a watcher.
// Call Start to begin watching.
func NewHookSource(dir string) (*HookSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create hooks dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &HookSource{
		MemorySource: NewMemorySource(),
		dir:          dir,
		debounce:     100 * time.Millisecond,
		watcher:      w,
		updated:      make(map[string]time.Time),
	}, nil
}

// Dir is the watched directory.
func (h *HookSource) Dir() string { return h.dir }

// Start loads existing status files and watches for changes until ctx ends
// or Stop is called.
func (h *HookSource) Start(ctx context.Context) error {
	if err := h.watcher.Add(h.dir); err != nil {
		return fmt.Errorf("watch %s: %w", h.dir, err)
	}
	h.loadExisting()

	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.loop(ctx)
	return nil
}

func (h *HookSource) loop(ctx context.Context) {
	defer close(h.done)

	var (
		pendingMu sync.Mutex
		pending   = make(map[string]fsnotify.Op)
		timer     *time.Timer
	)
	flush := func() {
		pendingMu.Lock()
		batch := pending
		pending = make(map[string]fsnotify.Op)
		pendingMu.Unlock()
		for name, op := range batch {
			if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				h.forget(name)
				continue
			}
			h.processFile(name)
		}
	}

	for {
		select {
		case <-ctx.Done():
			pendingMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			pendingMu.Unlock()
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pendingMu.Lock()
			pending[ev.Name] = ev.Op
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(h.debounce, flush)
			pendingMu.Unlock()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			statusLog.Warn("hook_watcher_error", slog.String("error", err.Error()))
		}
	}
}

// Stop ends the watch loop and closes the watcher.
func (h *HookSource) Stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}
	_ = h.watcher.Close()
}

// UpdatedAt returns the timestamp carried by the session's last status file.
func (h *HookSource) UpdatedAt(sessionKey string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	at, ok := h.updated[sessionKey]
	return at, ok
}

func (h *HookSource) loadExisting() {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		h.processFile(filepath.Join(h.dir, e.Name()))
	}
}

func (h *HookSource) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var f hookFile
	if err := json.Unmarshal(data, &f); err != nil {
		statusLog.Debug("hook_file_invalid", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	key := sessionKeyFromPath(path)
	h.mu.Lock()
	h.updated[key] = time.Unix(f.Timestamp, 0)
	h.mu.Unlock()

	d := DotForProtocolStatus(f.Status)
	statusLog.Debug("hook_status_updated",
		slog.String("session_key", key),
		slog.String("status", f.Status),
		slog.String("event", f.Event),
		slog.String("dot", d.String()))
	h.Set(key, d)
}

func (h *HookSource) forget(path string) {
	key := sessionKeyFromPath(path)
	h.mu.Lock()
	delete(h.updated, key)
	h.mu.Unlock()
	h.Delete(key)
}

func sessionKeyFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
