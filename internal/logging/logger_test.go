package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	cfg = Config{}
	logLevel = LevelInfo
}

func TestInitialize_DebugModeCreatesLogFiles(t *testing.T) {
	resetState()
	dir := t.TempDir()

	if err := Initialize(dir, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Background("hello %s", "world")
	StageDebug("stage message")
	Worker("worker message")
	Checkpoint("checkpoint message")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one log file in debug mode")
	}

	var foundBackground bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "background") {
			foundBackground = true
		}
	}
	if !foundBackground {
		t.Error("expected a background category log file")
	}
}

func TestInitialize_ProductionModeWritesNothing(t *testing.T) {
	resetState()
	dir := t.TempDir()

	if err := Initialize(dir, Config{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Background("should not be written")
	CloseAll()

	if _, err := os.Stat(filepath.Join(dir, "logs")); err == nil {
		entries, _ := os.ReadDir(filepath.Join(dir, "logs"))
		if len(entries) != 0 {
			t.Errorf("expected no log files in production mode, found %d", len(entries))
		}
	}
}

func TestIsCategoryEnabled_RespectsExplicitMap(t *testing.T) {
	resetState()
	dir := t.TempDir()
	Initialize(dir, Config{DebugMode: true, Categories: map[string]bool{"worker": false}})
	defer CloseAll()

	if IsCategoryEnabled(CategoryWorker) {
		t.Error("worker should be disabled by explicit config")
	}
	if !IsCategoryEnabled(CategoryBackground) {
		t.Error("background should default to enabled when not listed")
	}
}

func TestTimer_RecordsNonNegativeDuration(t *testing.T) {
	resetState()
	dir := t.TempDir()
	Initialize(dir, Config{DebugMode: true})
	defer CloseAll()

	timer := StartTimer(CategoryStage, "unit-test-op")
	elapsed := timer.Stop()
	if elapsed < 0 {
		t.Error("timer duration should not be negative")
	}
}
