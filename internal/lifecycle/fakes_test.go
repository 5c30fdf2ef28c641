package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

type fakeScripts struct {
	mu        sync.Mutex
	calls     []string
	cleared   []string
	teardown  map[string]func(ctx context.Context) error // by target ID
	stopErr   error
	setupErrs map[string]error
}

func newFakeScripts() *fakeScripts {
	return &fakeScripts{teardown: map[string]func(context.Context) error{}, setupErrs: map[string]error{}}
}

func (f *fakeScripts) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeScripts) Setup(_ context.Context, _, _ string, target task.Target) error {
	f.record("setup:" + target.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setupErrs[target.ID]
}

func (f *fakeScripts) Stop(_ context.Context, _, _ string, target task.Target) error {
	f.record("stop:" + target.ID)
	return f.stopErr
}

func (f *fakeScripts) Teardown(ctx context.Context, _, _ string, target task.Target) error {
	f.record("teardown:" + target.ID)
	f.mu.Lock()
	fn := f.teardown[target.ID]
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeScripts) Clear(_ context.Context, targetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, targetID)
	return nil
}

func (f *fakeScripts) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *fakeScripts) clearedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.cleared...)
	sort.Strings(out)
	return out
}

type fakeSessions struct {
	mu      sync.Mutex
	killed  []string
	cleared []string
	killErr map[string]error
}

func (f *fakeSessions) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return f.killErr[id]
}

func (f *fakeSessions) ClearSnapshot(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeSessions) killedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.killed...)
	sort.Strings(out)
	return out
}

// fakeStore keeps tasks in insertion order, newest first like the real store.
type fakeStore struct {
	mu         sync.Mutex
	tasks      []*task.Task
	deleteErr  error
	archiveErr error
	restoreErr error
	listErr    error
	deleted    []string
	lists      int
}

func (f *fakeStore) add(ts ...*task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range ts {
		f.tasks = append(f.tasks, t.Clone())
	}
}

func (f *fakeStore) find(id string) *task.Task {
	for _, t := range f.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (f *fakeStore) DeleteTask(_ context.Context, _, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, taskID)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i, t := range f.tasks {
		if t.ID == taskID {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return task.ErrTaskNotFound
}

func (f *fakeStore) ArchiveTask(_ context.Context, _, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archiveErr != nil {
		return f.archiveErr
	}
	t := f.find(taskID)
	if t == nil {
		return task.ErrTaskNotFound
	}
	at := t.CreatedAt.Add(1)
	t.ArchivedAt = &at
	return nil
}

func (f *fakeStore) RestoreTask(_ context.Context, _, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	t := f.find(taskID)
	if t == nil {
		return task.ErrTaskNotFound
	}
	t.ArchivedAt = nil
	return nil
}

func (f *fakeStore) ListTasks(_ context.Context, projectID string) ([]*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*task.Task
	for _, t := range f.tasks {
		if t.ProjectID == projectID && !t.Archived() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeStore) archived(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.find(id)
	return t != nil && t.Archived()
}

type fakeWorkingCopies struct {
	mu        sync.Mutex
	removed   []string
	removeErr error
	lingering map[string]bool
}

func (f *fakeWorkingCopies) Remove(_ context.Context, _, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return f.removeErr
}

func (f *fakeWorkingCopies) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lingering[path]
}

type noticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (n *noticeLog) Notify(x Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *noticeLog) levels() []Level {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Level
	for _, x := range n.notices {
		out = append(out, x.Level)
	}
	return out
}

func (n *noticeLog) last() Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return Notice{}
	}
	return n.notices[len(n.notices)-1]
}

type fakeRuntime struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRuntime) RemoveTask(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

// fakeDots is a minimal DotSource that emits on Subscribe like the merger.
type fakeDots struct {
	mu     sync.Mutex
	next   status.SubscriptionID
	subs   map[status.SubscriptionID]func(string, status.Dot)
	topics map[status.SubscriptionID]string
	dots   map[string]status.Dot
}

func newFakeDots() *fakeDots {
	return &fakeDots{
		subs:   map[status.SubscriptionID]func(string, status.Dot){},
		topics: map[status.SubscriptionID]string{},
		dots:   map[string]status.Dot{},
	}
}

func (f *fakeDots) Subscribe(taskID string, fn status.Listener) status.SubscriptionID {
	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = fn
	f.topics[id] = taskID
	d, ok := f.dots[taskID]
	f.mu.Unlock()
	if !ok {
		d = status.DotReady
	}
	fn(taskID, d)
	return id
}

func (f *fakeDots) Unsubscribe(id status.SubscriptionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	delete(f.topics, id)
}

func (f *fakeDots) set(taskID string, d status.Dot) {
	f.mu.Lock()
	f.dots[taskID] = d
	var fns []func(string, status.Dot)
	for id, fn := range f.subs {
		if f.topics[id] == taskID {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(taskID, d)
	}
}

func (f *fakeDots) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

var errBoom = errors.New("boom")
