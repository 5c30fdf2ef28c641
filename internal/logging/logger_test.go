package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func readLog(t *testing.T, dir string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return decodeLines(t, data)
}

func hasMsg(records []map[string]any, msg string) bool {
	for _, r := range records {
		if r["msg"] == msg {
			return true
		}
	}
	return false
}

func TestInitWritesJSONL(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("test_message", "key", "value")

	records := readLog(t, dir)
	if len(records) == 0 {
		t.Fatal("log file is empty")
	}
	if records[0]["msg"] != "test_message" || records[0]["key"] != "value" {
		t.Errorf("unexpected record %v", records[0])
	}
}

func TestInitWithoutOutputDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	Logger().Info("goes_nowhere")
	ForComponent(CompIdle).Warn("also_nowhere")
}

func TestForComponentDeclaredBeforeInit(t *testing.T) {
	Shutdown()
	early := ForComponent(CompLifecycle).With("task", "t1")

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	early.Info("delete_started")

	records := readLog(t, dir)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0]["component"] != CompLifecycle {
		t.Errorf("component = %v", records[0]["component"])
	}
	if records[0]["task"] != "t1" {
		t.Errorf("task = %v", records[0]["task"])
	}
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("should_be_filtered")
	Logger().Warn("should_appear")

	records := readLog(t, dir)
	if hasMsg(records, "should_be_filtered") {
		t.Error("info record should be filtered at warn level")
	}
	if !hasMsg(records, "should_appear") {
		t.Error("warn record missing")
	}
}

func TestTextFormat(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Format: "text"})
	defer Shutdown()

	Logger().Info("text_format_test")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(data) == 0 || data[0] == '{' {
		t.Errorf("expected text output, got %q", data)
	}
}

func TestDumpRingBuffer(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 1024})
	defer Shutdown()

	Logger().Info("ring_test_message")

	dump := filepath.Join(dir, "crash-dump.jsonl")
	if err := DumpRingBuffer(dump); err != nil {
		t.Fatalf("DumpRingBuffer: %v", err)
	}
	data, err := os.ReadFile(dump)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !hasMsg(decodeLines(t, data), "ring_test_message") {
		t.Errorf("dump missing record: %q", data)
	}
}
