package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/autodev/internal/models"
)

// readRunLog reads the run-*.log file created in dir. Fails the test when
// zero or multiple run logs exist.
func readRunLog(t *testing.T, dir string) string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "run-*.log"))
	if err != nil {
		t.Fatalf("Failed to glob run logs: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected exactly 1 run log, found %d: %v", len(matches), matches)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("Failed to read run log: %v", err)
	}
	return string(data)
}

func TestNewFileLoggerCreatesRunLog(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	defer fl.Close()

	if fl.RunFile() == "" {
		t.Fatal("RunFile should not be empty")
	}
	if !strings.HasPrefix(filepath.Base(fl.RunFile()), "run-") {
		t.Errorf("Run file should be timestamped, got %s", fl.RunFile())
	}

	content := readRunLog(t, tmpDir)
	if !strings.Contains(content, "=== Autodev Run Log ===") {
		t.Errorf("Expected header in run log, got %q", content)
	}
	if !strings.Contains(content, "Started at:") {
		t.Errorf("Expected start timestamp in run log, got %q", content)
	}
}

func TestNewFileLoggerLatestSymlink(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	defer fl.Close()

	symlinkPath := filepath.Join(tmpDir, "latest.log")
	target, err := os.Readlink(symlinkPath)
	if err != nil {
		t.Skipf("Symlinks unsupported on this filesystem: %v", err)
	}

	if target != filepath.Base(fl.RunFile()) {
		t.Errorf("latest.log should point to %s, got %s", filepath.Base(fl.RunFile()), target)
	}
}

func TestFileLoggerLeveledWrites(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDirAndLevel(tmpDir, "debug")
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	fl.LogDebug("debug line")
	fl.LogInfo("info line")
	fl.LogError("error line")
	fl.Close()

	content := readRunLog(t, tmpDir)
	for _, want := range []string{"[DEBUG] debug line", "[INFO] info line", "[ERROR] error line"} {
		if !strings.Contains(content, want) {
			t.Errorf("Expected %q in run log, got %q", want, content)
		}
	}
}

func TestFileLoggerWaveLifecycle(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	fl.LogWaveStart(1, 4, 4)
	fl.LogWaveComplete(1, 42*time.Second)
	fl.Close()

	content := readRunLog(t, tmpDir)
	if !strings.Contains(content, "Starting wave 1: 4 tasks (max parallel: 4)") {
		t.Errorf("Expected wave start line, got %q", content)
	}
	if !strings.Contains(content, "Wave 1 complete: duration 42.0s") {
		t.Errorf("Expected wave complete line, got %q", content)
	}
}

func TestFileLoggerWaveStartSingular(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	fl.LogWaveStart(2, 1, 4)
	fl.Close()

	content := readRunLog(t, tmpDir)
	if !strings.Contains(content, "1 task (") {
		t.Errorf("Expected singular task label, got %q", content)
	}
}

func TestFileLoggerTaskResult(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDirAndLevel(tmpDir, "debug")
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	task := &models.Task{
		ID:           "BE-001",
		Status:       models.StatusFailed,
		RetryCount:   1,
		WorkerID:     "w2",
		DurationSecs: 30,
	}
	if err := fl.LogTaskResult(task); err != nil {
		t.Fatalf("LogTaskResult failed: %v", err)
	}
	fl.Close()

	content := readRunLog(t, tmpDir)
	for _, want := range []string{"Task BE-001: FAILED", "retries=1", "worker=w2", "duration=30s"} {
		if !strings.Contains(content, want) {
			t.Errorf("Expected %q in run log, got %q", want, content)
		}
	}
}

func TestFileLoggerSummaryStatus(t *testing.T) {
	tests := []struct {
		name     string
		summary  RunSummary
		expected string
	}{
		{
			name:     "all passed",
			summary:  RunSummary{Total: 3, Succeeded: 3},
			expected: "Status:       SUCCESS (3/3 tasks passed)",
		},
		{
			name:     "partial",
			summary:  RunSummary{Total: 3, Succeeded: 2, Failed: 1},
			expected: "Status:       PARTIAL (2/3 tasks passed)",
		},
		{
			name:     "all failed",
			summary:  RunSummary{Total: 2, Failed: 2, FailedTasks: []string{"A-1", "A-2"}},
			expected: "Status:       FAILED (0/2 tasks passed)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			fl, err := NewFileLoggerWithDir(tmpDir)
			if err != nil {
				t.Fatalf("Failed to create file logger: %v", err)
			}

			fl.LogSummary(tt.summary)
			fl.Close()

			content := readRunLog(t, tmpDir)
			if !strings.Contains(content, tt.expected) {
				t.Errorf("Expected %q in summary, got %q", tt.expected, content)
			}
		})
	}
}

func TestFileLoggerSummaryFailedList(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	fl.LogSummary(RunSummary{
		Total:       3,
		Succeeded:   1,
		Failed:      2,
		FailedTasks: []string{"FE-002", "INT-001"},
	})
	fl.Close()

	content := readRunLog(t, tmpDir)
	if !strings.Contains(content, "Failed tasks: FE-002, INT-001") {
		t.Errorf("Expected failed task list, got %q", content)
	}
}

func TestFileLoggerCloseIsFinal(t *testing.T) {
	tmpDir := t.TempDir()

	fl, err := NewFileLoggerWithDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}

	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Writes after close must not panic
	fl.LogInfo("after close")

	content := readRunLog(t, tmpDir)
	if strings.Contains(content, "after close") {
		t.Error("Writes after Close should be discarded")
	}

	// Second close is a no-op
	if err := fl.Close(); err != nil {
		t.Errorf("Second Close should be nil, got %v", err)
	}
}
