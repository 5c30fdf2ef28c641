package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/taskdeck/internal/clock"
	"github.com/asheshgoplani/taskdeck/internal/status"
	"github.com/asheshgoplani/taskdeck/internal/task"
)

type harness struct {
	orch     *Orchestrator
	scripts  *fakeScripts
	sessions *fakeSessions
	store    *fakeStore
	wc       *fakeWorkingCopies
	notices  *noticeLog
	runtime  *fakeRuntime
	dots     *fakeDots
	clk      *clock.Fake
	board    *task.Board
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		scripts:  newFakeScripts(),
		sessions: &fakeSessions{killErr: map[string]error{}},
		store:    &fakeStore{},
		wc:       &fakeWorkingCopies{lingering: map[string]bool{}},
		notices:  &noticeLog{},
		runtime:  &fakeRuntime{},
		dots:     newFakeDots(),
		clk:      clock.NewFake(time.Unix(1_700_000_000, 0)),
		board:    task.NewBoard(),
	}
	h.orch = New(Config{TeardownTimeout: 10 * time.Second}, Deps{
		Scripts:       h.scripts,
		Sessions:      h.sessions,
		Store:         h.store,
		WorkingCopies: h.wc,
		Notifier:      h.notices,
		Board:         h.board,
		Runtime:       []RuntimeState{h.runtime},
		Dots:          h.dots,
		Clock:         h.clk,
	})
	t.Cleanup(h.orch.Close)
	return h
}

// seed stores the tasks and shows them on the board in the given order.
func (h *harness) seed(ts ...*task.Task) {
	h.store.add(ts...)
	var board []*task.Task
	for _, t := range ts {
		board = append(board, t.Clone())
	}
	h.board.Replace(ts[0].ProjectID, board)
}

func sampleTask(id string) *task.Task {
	return &task.Task{
		ID:          id,
		ProjectID:   "p1",
		Name:        "Task " + id,
		Path:        "/wt/" + id,
		ProjectPath: "/repo",
		Providers:   []string{"claude"},
		UseWorktree: true,
		CreatedAt:   time.Unix(1_700_000_000, 0),
	}
}

func boardIDs(b *task.Board, project string) []string {
	var ids []string
	for _, t := range b.Tasks(project) {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestDeleteSuccess(t *testing.T) {
	h := newHarness(t)
	a, b, c := sampleTask("a"), sampleTask("b"), sampleTask("c")
	b.Conversations = []task.Conversation{{ID: "c1", Provider: "codex", Backend: task.BackendTerminal}}
	h.seed(a, b, c)
	h.board.Select("b")

	report, err := h.orch.Delete(context.Background(), b, Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Issues)

	assert.Equal(t, 1, h.scripts.count("stop:b"))
	assert.Equal(t, 1, h.scripts.count("teardown:b"))
	assert.Equal(t, []string{"claude-main-b", "codex-chat-c1-b"}, h.sessions.killedIDs())
	assert.Len(t, h.sessions.cleared, 2)
	assert.Equal(t, []string{"/wt/b"}, h.wc.removed)
	assert.Equal(t, []string{"b"}, h.store.deleted)
	assert.Equal(t, []string{"b"}, h.scripts.clearedIDs())
	assert.Equal(t, []string{"b"}, h.runtime.removed)

	assert.Equal(t, []string{"a", "c"}, boardIDs(h.board, "p1"))
	assert.Equal(t, "c", h.board.Selected(), "selection moves to the sibling at the same index")

	last := h.notices.last()
	assert.Equal(t, LevelSuccess, last.Level)
	assert.Contains(t, last.Message, "Task b")
	assert.False(t, h.orch.InProgress(OpDelete, "b"))
}

func TestDeleteLastTaskSelectsPrevious(t *testing.T) {
	h := newHarness(t)
	a, b := sampleTask("a"), sampleTask("b")
	h.seed(a, b)
	h.board.Select("b")

	_, err := h.orch.Delete(context.Background(), b, Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", h.board.Selected())

	_, err = h.orch.Delete(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.Equal(t, "", h.board.Selected())
}

func TestDeleteConcurrentDuplicateRejected(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.scripts.teardown["a"] = func(context.Context) error {
		close(entered)
		<-unblock
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Delete(context.Background(), a, Options{})
		done <- err
	}()
	<-entered

	_, err := h.orch.Delete(context.Background(), a, Options{})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.Equal(t, LevelInfo, h.notices.last().Level)

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.scripts.count("teardown:a"), "exactly one teardown sequence")
	assert.Equal(t, 1, h.scripts.count("stop:a"))
}

func TestDeleteVariantTeardownTimeoutStillSucceeds(t *testing.T) {
	h := newHarness(t)
	v := sampleTask("t")
	v.Variants = []task.Variant{
		{ID: "va", Name: "A", Provider: "claude", Path: "/wt/t-a"},
		{ID: "vb", Name: "B", Provider: "codex", Path: "/wt/t-b"},
	}
	h.seed(v)

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	h.scripts.teardown[task.VariantTaskID("t", "va")] = func(context.Context) error {
		<-hang
		return nil
	}

	// Real clock: the fake would race B's completion against its timer.
	h.orch = New(Config{TeardownTimeout: 100 * time.Millisecond}, Deps{
		Scripts:       h.scripts,
		Sessions:      h.sessions,
		Store:         h.store,
		WorkingCopies: h.wc,
		Notifier:      h.notices,
		Board:         h.board,
		Clock:         clock.Real{},
	})
	t.Cleanup(h.orch.Close)

	report, err := h.orch.Delete(context.Background(), v, Options{})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	issue := report.Issues[0]
	assert.Equal(t, "t::va", issue.TargetID)
	assert.Equal(t, "A", issue.Label)
	assert.True(t, issue.TimedOut)

	assert.ElementsMatch(t, []string{"/wt/t-a", "/wt/t-b"}, h.wc.removed)
	assert.Equal(t, []string{"claude-main-t::va", "codex-main-t::vb"}, h.sessions.killedIDs())
	assert.Equal(t, []string{"t", "t::va", "t::vb"}, h.scripts.clearedIDs())

	levels := h.notices.levels()
	assert.Equal(t, []Level{LevelWarning, LevelSuccess}, levels)
	assert.Contains(t, h.notices.last().Message, "1 teardown issue(s)")
}

func TestDeleteRecordFailureRestoresTaskFromRefresh(t *testing.T) {
	h := newHarness(t)
	a, b, c := sampleTask("a"), sampleTask("b"), sampleTask("c")
	h.seed(a, b, c)
	h.board.Select("b")
	h.store.deleteErr = errBoom

	_, err := h.orch.Delete(context.Background(), b, Options{})
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, []string{"a", "b", "c"}, boardIDs(h.board, "p1"))
	got, ok := h.board.Find("b")
	require.True(t, ok)
	assert.Equal(t, "Task b", got.Name)
	assert.Equal(t, "b", h.board.Selected())

	last := h.notices.last()
	assert.Equal(t, LevelError, last.Level)
	assert.Contains(t, last.Message, "boom")

	assert.Empty(t, h.scripts.clearedIDs(), "bookkeeping survives a failed delete")
	assert.Empty(t, h.runtime.removed)
}

func TestDeleteRecordFailureWithRefreshFailureReinsertsSnapshot(t *testing.T) {
	h := newHarness(t)
	a, b, c := sampleTask("a"), sampleTask("b"), sampleTask("c")
	h.seed(a, b, c)
	h.board.Select("b")
	h.store.deleteErr = errBoom
	h.store.listErr = errors.New("store offline")

	_, err := h.orch.Delete(context.Background(), b, Options{})
	require.Error(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, boardIDs(h.board, "p1"))
	assert.Equal(t, "b", h.board.Selected())
}

func TestDeleteNotSelectedStaysUnselectedOnRollback(t *testing.T) {
	h := newHarness(t)
	a, b := sampleTask("a"), sampleTask("b")
	h.seed(a, b)
	h.board.Select("a")
	h.store.deleteErr = errBoom

	_, err := h.orch.Delete(context.Background(), b, Options{})
	require.Error(t, err)
	assert.Equal(t, "a", h.board.Selected())
}

func TestDeleteSharedRepositorySkipsWorkingCopy(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	a.UseWorktree = false
	a.Path = a.ProjectPath
	h.seed(a)

	_, err := h.orch.Delete(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.Empty(t, h.wc.removed)
	assert.Equal(t, []string{"a"}, h.store.deleted)
}

func TestDeleteWorkingCopyVerifiedAfterRemoval(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)
	h.wc.lingering["/wt/a"] = true

	_, err := h.orch.Delete(context.Background(), a, Options{})
	require.ErrorIs(t, err, ErrWorkingCopyRemains)
	assert.Equal(t, []string{"a"}, h.store.deleted, "record deletion is dispatched alongside removal")
}

func TestDeleteWorkingCopyRemovalFailure(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)
	h.wc.removeErr = errBoom

	_, err := h.orch.Delete(context.Background(), a, Options{})
	require.ErrorIs(t, err, errBoom)
	// The record is gone, so the refresh reflects reality.
	assert.Empty(t, boardIDs(h.board, "p1"))
}

func TestDeleteSessionFailuresAreBestEffort(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	a.Providers = []string{"claude", "codex"}
	h.seed(a)
	h.sessions.killErr["claude-main-a"] = errBoom
	h.scripts.stopErr = errBoom

	_, err := h.orch.Delete(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-main-a", "codex-main-a"}, h.sessions.killedIDs())
}

func TestDeleteTeardownErrorIsIssue(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)
	h.scripts.teardown["a"] = func(context.Context) error { return errBoom }

	report, err := h.orch.Delete(context.Background(), a, Options{})
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.False(t, report.Issues[0].TimedOut)
	assert.Equal(t, "boom", report.Issues[0].Message)
}

func TestSilentSuppressesNotices(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)
	h.scripts.teardown["a"] = func(context.Context) error { return errBoom }

	_, err := h.orch.Archive(context.Background(), a, Options{Silent: true})
	require.NoError(t, err)
	assert.Empty(t, h.notices.levels())
}

func TestArchiveKeepsWorkingCopy(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)

	_, err := h.orch.Archive(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.Empty(t, h.wc.removed)
	assert.Empty(t, h.store.deleted)
	assert.True(t, h.store.archived("a"))
	assert.Equal(t, []string{"claude-main-a"}, h.sessions.killedIDs())
	assert.Empty(t, boardIDs(h.board, "p1"))
}

func TestArchiveFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)
	h.board.Select("a")
	h.store.archiveErr = errBoom

	_, err := h.orch.Archive(context.Background(), a, Options{})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"a"}, boardIDs(h.board, "p1"))
	assert.Equal(t, "a", h.board.Selected())
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	orig := sampleTask("a")
	orig.Variants = []task.Variant{
		{ID: "v1", Name: "A", Provider: "claude", Path: "/wt/a-1"},
		{ID: "v2", Name: "B", Provider: "codex", Path: "/wt/a-2"},
	}
	h.seed(orig)

	_, err := h.orch.Archive(context.Background(), orig, Options{})
	require.NoError(t, err)

	restored, err := h.orch.Restore(context.Background(), orig)
	require.NoError(t, err)
	require.NotNil(t, restored)

	assert.Equal(t, orig.ID, restored.ID)
	assert.Equal(t, orig.Name, restored.Name)
	assert.Equal(t, orig.Variants, restored.Variants)
	assert.False(t, restored.Archived())

	assert.Equal(t, 1, h.scripts.count("setup:a::v1"))
	assert.Equal(t, 1, h.scripts.count("setup:a::v2"))
	assert.Equal(t, []string{"a"}, boardIDs(h.board, "p1"))
	assert.Equal(t, "a", h.board.Selected())
	assert.Equal(t, LevelSuccess, h.notices.last().Level)
}

func TestRestoreRefreshFailurePrependsSnapshot(t *testing.T) {
	h := newHarness(t)
	archived := sampleTask("old")
	at := archived.CreatedAt.Add(time.Hour)
	archived.ArchivedAt = &at
	h.store.add(archived)
	h.board.Replace("p1", []*task.Task{sampleTask("x")})
	h.store.listErr = errBoom

	restored, err := h.orch.Restore(context.Background(), archived)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.False(t, restored.Archived())
	assert.True(t, archived.Archived(), "caller's task is not mutated")
	assert.Equal(t, []string{"old", "x"}, boardIDs(h.board, "p1"))
	assert.Equal(t, 1, h.scripts.count("setup:old"))
}

func TestRestoreStoreFailure(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.store.restoreErr = errBoom

	restored, err := h.orch.Restore(context.Background(), a)
	require.ErrorIs(t, err, errBoom)
	assert.Nil(t, restored)
	assert.Equal(t, 0, h.scripts.count("setup:"))
	assert.Equal(t, LevelError, h.notices.last().Level)
}

func TestRestoreMissingAfterRefreshSkipsSetup(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("ghost")
	// The fake rejects unknown IDs; this store accepts the restore but
	// never lists the task.
	h.store.add(sampleTask("other"))
	h.orch.deps.Store = acceptingStore{h.store}

	restored, err := h.orch.Restore(context.Background(), a)
	require.NoError(t, err)
	assert.Nil(t, restored)
	assert.Equal(t, 0, h.scripts.count("setup:"))
}

type acceptingStore struct{ *fakeStore }

func (acceptingStore) RestoreTask(context.Context, string, string) error { return nil }

func TestNilTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Delete(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrNilTask)
	_, err = h.orch.Restore(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestOtherOperationOnSameTaskRejected(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)

	entered := make(chan struct{})
	unblock := make(chan struct{})
	h.scripts.teardown["a"] = func(context.Context) error {
		close(entered)
		<-unblock
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Delete(context.Background(), a, Options{})
		done <- err
	}()
	<-entered

	_, err := h.orch.Archive(context.Background(), a, Options{})
	assert.ErrorIs(t, err, ErrInProgress)
	assert.Contains(t, h.notices.last().Message, "already being deleted")
	_, err = h.orch.Restore(context.Background(), a)
	assert.ErrorIs(t, err, ErrInProgress)
	assert.True(t, h.orch.InProgress(OpDelete, "a"))
	assert.False(t, h.orch.InProgress(OpArchive, "a"))

	close(unblock)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.scripts.count("teardown:a"), "exactly one teardown sequence")
	assert.NotContains(t, h.notices.levels(), LevelError)

	// The slot is free again once the delete finishes.
	release, _, ok := h.orch.acquire(OpArchive, "a")
	require.True(t, ok)
	release()
}

func TestFastTeardownLeavesNoTimer(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	a.Variants = []task.Variant{{ID: "va", Name: "A", Provider: "claude", Path: "/wt/a-a"}}
	h.seed(a)

	_, err := h.orch.Delete(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestDeleteArchivedTaskRollbackKeepsBoardClean(t *testing.T) {
	h := newHarness(t)
	a, b := sampleTask("a"), sampleTask("b")
	h.seed(a)
	at := b.CreatedAt.Add(time.Minute)
	b.ArchivedAt = &at
	h.store.add(b)
	h.store.deleteErr = errBoom
	h.store.listErr = errors.New("store offline")

	_, err := h.orch.Delete(context.Background(), b, Options{})
	require.Error(t, err)

	assert.Equal(t, []string{"a"}, boardIDs(h.board, "p1"))
	_, found := h.board.Find("b")
	assert.False(t, found)
}

func TestAutoArchiveAfterWorkSettles(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)

	h.orch.ArmAutoArchive(a)
	assert.True(t, h.orch.AutoArchiveArmed("a"))
	assert.Equal(t, 1, h.dots.subscribers())

	// Ready before any work does not archive.
	h.dots.set("a", status.DotReady)
	assert.False(t, h.store.archived("a"))

	h.dots.set("a", status.DotWorking)
	h.dots.set("a", status.DotReady)

	require.Eventually(t, func() bool { return h.store.archived("a") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.orch.AutoArchiveArmed("a") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.dots.subscribers())
	assert.Empty(t, h.notices.levels(), "auto-archive is silent")
}

func TestDisarmAutoArchive(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)

	h.orch.ArmAutoArchive(a)
	h.orch.DisarmAutoArchive("a")
	h.dots.set("a", status.DotWorking)
	h.dots.set("a", status.DotReady)

	assert.False(t, h.store.archived("a"))
	assert.Equal(t, 0, h.dots.subscribers())
}

func TestDeleteDisarmsAutoArchive(t *testing.T) {
	h := newHarness(t)
	a := sampleTask("a")
	h.seed(a)
	h.orch.ArmAutoArchive(a)

	_, err := h.orch.Delete(context.Background(), a, Options{})
	require.NoError(t, err)
	assert.False(t, h.orch.AutoArchiveArmed("a"))
	assert.Equal(t, 0, h.dots.subscribers())
}

func TestPartition(t *testing.T) {
	outcomes := []Outcome{
		{Target: task.Target{ID: "1"}},
		{Target: task.Target{ID: "2"}, Err: errBoom},
		{Target: task.Target{ID: "3"}, TimedOut: true},
	}
	ok, failed := partition(outcomes)
	require.Len(t, ok, 1)
	require.Len(t, failed, 2)
	assert.Equal(t, "1", ok[0].Target.ID)

	issues := issuesFrom(failed)
	assert.Equal(t, "boom", issues[0].Message)
	assert.True(t, issues[1].TimedOut)
	assert.Contains(t, issues[1].String(), "timed out")
}
