package statedb

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/asheshgoplani/taskdeck/internal/task"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), FileName)
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleTask(id, project string) *task.Task {
	return &task.Task{
		ID:          id,
		ProjectID:   project,
		Name:        "Task " + id,
		Branch:      "feature/" + id,
		Path:        "/wt/" + id,
		ProjectPath: "/repo/" + project,
		Providers:   []string{"claude"},
		UseWorktree: true,
		CreatedAt:   time.UnixMilli(1_700_000_000_000),
	}
}

func TestOpenClose(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), FileName)

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.SaveTask(ctx, sampleTask("t1", "p1")); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	got, err := db2.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Name != "Task t1" || got.ProjectPath != "/repo/p1" || !got.UseWorktree {
		t.Errorf("unexpected task after reopen: %+v", got)
	}
	if len(got.Providers) != 1 || got.Providers[0] != "claude" {
		t.Errorf("providers = %v, want [claude]", got.Providers)
	}

	version, err := db2.GetMeta(ctx, "schema_version")
	if err != nil || version != "1" {
		t.Errorf("schema_version = %q (%v), want 1", version, err)
	}
}

func TestSaveTaskRoundTripsNestedCollections(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	in := sampleTask("t1", "p1")
	in.Variants = []task.Variant{
		{ID: "v1", Name: "A", Provider: "claude", Path: "/wt/t1-a"},
		{ID: "v2", Name: "B", Provider: "codex", Path: "/wt/t1-b"},
	}
	in.Conversations = []task.Conversation{
		{ID: "c1", Provider: "claude", Backend: task.BackendProtocol, SessionKey: "sk-1"},
	}
	if err := db.SaveTask(ctx, in); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := db.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(got.Variants) != 2 || got.Variants[1].Provider != "codex" {
		t.Errorf("variants = %+v", got.Variants)
	}
	if len(got.Conversations) != 1 || got.Conversations[0].SessionKey != "sk-1" {
		t.Errorf("conversations = %+v", got.Conversations)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
}

func TestListTasksNewestFirstAndExcludesArchived(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.SaveTask(ctx, sampleTask(id, "p1")); err != nil {
			t.Fatalf("SaveTask(%s): %v", id, err)
		}
	}
	if err := db.SaveTask(ctx, sampleTask("other", "p2")); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := db.ArchiveTask(ctx, "p1", "b"); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}

	active, err := db.ListTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if ids := taskIDs(active); len(ids) != 2 || ids[0] != "c" || ids[1] != "a" {
		t.Errorf("active = %v, want [c a]", ids)
	}

	archived, err := db.ListArchived(ctx, "p1")
	if err != nil {
		t.Fatalf("ListArchived: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != "b" || !archived[0].Archived() {
		t.Errorf("archived = %v", taskIDs(archived))
	}

	projects, err := db.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(projects) != 2 || projects[0] != "p1" || projects[1] != "p2" {
		t.Errorf("projects = %v", projects)
	}
}

func TestRestoreMovesTaskToTop(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for _, id := range []string{"a", "b"} {
		if err := db.SaveTask(ctx, sampleTask(id, "p1")); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}
	if err := db.ArchiveTask(ctx, "p1", "a"); err != nil {
		t.Fatalf("ArchiveTask: %v", err)
	}
	if err := db.SaveTask(ctx, sampleTask("c", "p1")); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := db.RestoreTask(ctx, "p1", "a"); err != nil {
		t.Fatalf("RestoreTask: %v", err)
	}

	active, err := db.ListTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if ids := taskIDs(active); len(ids) != 3 || ids[0] != "a" {
		t.Errorf("active = %v, want a first", ids)
	}
	got, _ := db.GetTask(ctx, "a")
	if got.Archived() {
		t.Error("restored task still archived")
	}
}

func TestDeleteTaskRemovesLifecycleRows(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	in := sampleTask("t1", "p1")
	in.Variants = []task.Variant{{ID: "v1", Provider: "claude", Path: "/wt/v1"}}
	if err := db.SaveTask(ctx, in); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := db.RecordLifecycle(ctx, "t1::v1", "setup", "succeeded", ""); err != nil {
		t.Fatalf("RecordLifecycle: %v", err)
	}
	if err := db.RecordLifecycle(ctx, "t10", "setup", "succeeded", ""); err != nil {
		t.Fatalf("RecordLifecycle: %v", err)
	}

	if err := db.DeleteTask(ctx, "p1", "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := db.GetTask(ctx, "t1"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Errorf("GetTask after delete: err = %v, want ErrTaskNotFound", err)
	}

	runs, err := db.LifecycleRuns(ctx, "t1::v1", "t10")
	if err != nil {
		t.Fatalf("LifecycleRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].TargetID != "t10" {
		t.Errorf("runs = %+v, want only t10", runs)
	}
}

func TestMissingTaskErrors(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	checks := map[string]error{
		"delete":  db.DeleteTask(ctx, "p1", "nope"),
		"archive": db.ArchiveTask(ctx, "p1", "nope"),
		"restore": db.RestoreTask(ctx, "p1", "nope"),
	}
	for name, err := range checks {
		if !errors.Is(err, task.ErrTaskNotFound) {
			t.Errorf("%s: err = %v, want ErrTaskNotFound", name, err)
		}
	}
}

func TestLifecycleRunsUpsert(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.RecordLifecycle(ctx, "t1", "teardown", "running", ""); err != nil {
		t.Fatalf("RecordLifecycle: %v", err)
	}
	if err := db.RecordLifecycle(ctx, "t1", "teardown", "failed", "exit 2"); err != nil {
		t.Fatalf("RecordLifecycle: %v", err)
	}
	if err := db.RecordLifecycle(ctx, "t1", "stop", "skipped", ""); err != nil {
		t.Fatalf("RecordLifecycle: %v", err)
	}

	runs, err := db.LifecycleRuns(ctx, "t1")
	if err != nil {
		t.Fatalf("LifecycleRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].Phase != "stop" || runs[1].Phase != "teardown" {
		t.Errorf("phases = %s,%s", runs[0].Phase, runs[1].Phase)
	}
	if runs[1].Status != "failed" || runs[1].Message != "exit 2" {
		t.Errorf("teardown run = %+v", runs[1])
	}

	if err := db.ClearLifecycle(ctx, "t1"); err != nil {
		t.Fatalf("ClearLifecycle: %v", err)
	}
	runs, _ = db.LifecycleRuns(ctx, "t1")
	if len(runs) != 0 {
		t.Errorf("runs after clear = %+v", runs)
	}
}

func TestElectPrimary(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	if err := db.RegisterDaemon(ctx, "127.0.0.1:8421"); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	ok, err := db.ElectPrimary(ctx, DaemonTimeout)
	if err != nil || !ok {
		t.Fatalf("ElectPrimary = %v, %v; want true", ok, err)
	}
	addr, err := db.PrimaryAddr(ctx)
	if err != nil || addr != "127.0.0.1:8421" {
		t.Errorf("PrimaryAddr = %q, %v", addr, err)
	}

	// Simulate a second live daemon holding the slot.
	if _, err := db.DB().Exec(`UPDATE daemon_heartbeats SET is_primary = 0`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.DB().Exec(`INSERT INTO daemon_heartbeats (pid, addr, started, heartbeat, is_primary)
		VALUES (?, 'other', ?, ?, 1)`, db.pid+1, time.Now().Unix(), time.Now().Unix()); err != nil {
		t.Fatal(err)
	}
	ok, err = db.ElectPrimary(ctx, DaemonTimeout)
	if err != nil || ok {
		t.Errorf("ElectPrimary with live peer = %v, %v; want false", ok, err)
	}

	if err := db.ResignPrimary(ctx); err != nil {
		t.Fatalf("ResignPrimary: %v", err)
	}
	if err := db.UnregisterDaemon(ctx); err != nil {
		t.Fatalf("UnregisterDaemon: %v", err)
	}
}

func TestElectPrimaryReclaimsStaleSlot(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	stale := time.Now().Add(-time.Hour).Unix()
	if _, err := db.DB().Exec(`INSERT INTO daemon_heartbeats (pid, addr, started, heartbeat, is_primary)
		VALUES (?, 'dead', ?, ?, 1)`, db.pid+1, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := db.RegisterDaemon(ctx, "live"); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	ok, err := db.ElectPrimary(ctx, DaemonTimeout)
	if err != nil || !ok {
		t.Fatalf("ElectPrimary = %v, %v; want true", ok, err)
	}
	if err := db.CleanDeadDaemons(ctx, DaemonTimeout); err != nil {
		t.Fatalf("CleanDeadDaemons: %v", err)
	}
	var n int
	if err := db.DB().QueryRow(`SELECT COUNT(*) FROM daemon_heartbeats`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("heartbeats after clean = %d, want 1", n)
	}
}

func TestTouchAndLastModified(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ts, err := db.LastModified(ctx)
	if err != nil || ts != 0 {
		t.Fatalf("LastModified before touch = %d, %v", ts, err)
	}
	if err := db.Touch(ctx); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ts, err = db.LastModified(ctx)
	if err != nil || ts == 0 {
		t.Errorf("LastModified after touch = %d, %v", ts, err)
	}
}

func TestConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := db.SaveTask(ctx, sampleTask(id, "p1")); err != nil {
				t.Errorf("SaveTask(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	tasks, err := db.ListTasks(ctx, "p1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 10 {
		t.Errorf("len(tasks) = %d, want 10", len(tasks))
	}
}

func TestExportImportJSON(t *testing.T) {
	ctx := context.Background()
	src := newTestDB(t)

	archived := sampleTask("old", "p1")
	at := time.UnixMilli(1_700_000_500_000)
	archived.ArchivedAt = &at
	for _, tk := range []*task.Task{sampleTask("t1", "p1"), archived} {
		if err := src.SaveTask(ctx, tk); err != nil {
			t.Fatalf("SaveTask: %v", err)
		}
	}
	if err := src.RecordLifecycle(ctx, "t1", "setup", "succeeded", ""); err != nil {
		t.Fatalf("RecordLifecycle: %v", err)
	}

	path := filepath.Join(t.TempDir(), "export.json")
	n, err := src.ExportJSON(ctx, path)
	if err != nil || n != 2 {
		t.Fatalf("ExportJSON = %d, %v", n, err)
	}

	dst := newTestDB(t)
	n, err = dst.ImportJSON(ctx, path)
	if err != nil || n != 2 {
		t.Fatalf("ImportJSON = %d, %v", n, err)
	}
	archivedList, _ := dst.ListArchived(ctx, "p1")
	if len(archivedList) != 1 || archivedList[0].ID != "old" {
		t.Errorf("archived after import = %v", taskIDs(archivedList))
	}
	runs, _ := dst.LifecycleRuns(ctx, "t1")
	if len(runs) != 1 || runs[0].Status != "succeeded" {
		t.Errorf("runs after import = %+v", runs)
	}
}

func taskIDs(tasks []*task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
