package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/models"
)

// FileLogger logs orchestrator events to files in the home logs/ directory.
// It creates timestamped per-run log files and maintains a latest.log
// symlink pointing to the most recent run. Per-task agent output is the log
// archiver's job; this file carries the orchestrator's own narrative.
// It is thread-safe and supports log level filtering.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a new FileLogger that writes to .autodev/logs/ in
// the current working directory. Uses default log level "info".
func NewFileLogger() (*FileLogger, error) {
	logDir := filepath.Join(".autodev", "logs")
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDir creates a new FileLogger with a custom log directory.
// This is useful for testing or custom deployments.
// Uses default log level "info".
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a new FileLogger with a custom log
// directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Timestamped filename: run-YYYYMMDD-HHMMSS.log
	timestamp := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", timestamp))

	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	// Create/update latest.log symlink
	symlinkPath := filepath.Join(logDir, "latest.log")

	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}

	// Symlinks are unavailable on some filesystems (notably Windows without
	// developer mode); the run log itself still works without the alias.
	_ = os.Symlink(filepath.Base(runFile), symlinkPath)

	logger := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		logLevel: normalizeLogLevel(logLevel),
		mu:       sync.Mutex{},
	}

	logger.writeRunLog("=== Autodev Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// RunFile returns the path of the run log backing this logger.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// shouldLog checks if a message at the given level should be logged.
// Returns true if messageLevel >= configured logLevel.
func (fl *FileLogger) shouldLog(messageLevel string) bool {
	configuredLevel := logLevelToInt(fl.logLevel)
	msgLevel := logLevelToInt(messageLevel)
	return msgLevel >= configuredLevel
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

// logWithLevel is a helper that logs a message at the specified level if filtering allows it.
func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}

	formatted := fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format("15:04:05"), level, message)
	fl.writeRunLog(formatted)
}

// LogWaveStart logs the start of a wave at INFO level.
func (fl *FileLogger) LogWaveStart(wave int, taskCount int, maxParallel int) {
	if !fl.shouldLog("info") {
		return
	}

	taskLabel := "task"
	if taskCount != 1 {
		taskLabel = "tasks"
	}

	message := fmt.Sprintf(
		"[%s] Starting wave %d: %d %s (max parallel: %d)\n",
		time.Now().Format("15:04:05"),
		wave,
		taskCount,
		taskLabel,
		maxParallel,
	)

	fl.writeRunLog(message)
}

// LogWaveComplete logs the completion of a wave at INFO level.
func (fl *FileLogger) LogWaveComplete(wave int, duration time.Duration) {
	if !fl.shouldLog("info") {
		return
	}

	message := fmt.Sprintf(
		"[%s] Wave %d complete: duration %.1fs\n",
		time.Now().Format("15:04:05"),
		wave,
		duration.Seconds(),
	)

	fl.writeRunLog(message)
}

// LogTaskResult appends a one-line record of a settled task at DEBUG level.
func (fl *FileLogger) LogTaskResult(task *models.Task) error {
	if task == nil {
		return nil
	}
	if !fl.shouldLog("debug") {
		return nil
	}

	var details string
	if task.RetryCount > 0 {
		details = fmt.Sprintf(" retries=%d", task.RetryCount)
	}
	if task.WorkerID != "" {
		details += fmt.Sprintf(" worker=%s", task.WorkerID)
	}
	if task.DurationSecs > 0 {
		details += fmt.Sprintf(" duration=%ds", task.DurationSecs)
	}

	message := fmt.Sprintf(
		"[%s] Task %s: %s%s\n",
		time.Now().Format("15:04:05"),
		task.ID,
		strings.ToUpper(string(task.Status)),
		details,
	)

	fl.writeRunLog(message)
	return nil
}

// LogSummary logs the run summary with final statistics at INFO level.
func (fl *FileLogger) LogSummary(summary RunSummary) {
	if !fl.shouldLog("info") {
		return
	}

	timestamp := time.Now().Format("15:04:05")

	status := "SUCCESS"
	if summary.Failed > 0 {
		if summary.Succeeded == 0 {
			status = "FAILED"
		} else {
			status = "PARTIAL"
		}
	}

	message := fmt.Sprintf(
		"\n[%s] === RUN SUMMARY ===\n"+
			"[%s] Total tasks:  %d\n"+
			"[%s] Succeeded:    %d\n"+
			"[%s] Failed:       %d\n"+
			"[%s] Canceled:     %d\n"+
			"[%s] Total time:   %.1fs\n"+
			"[%s] Status:       %s (%d/%d tasks passed)\n"+
			"[%s] Completed at: %s\n",
		timestamp,
		timestamp,
		summary.Total,
		timestamp,
		summary.Succeeded,
		timestamp,
		summary.Failed,
		timestamp,
		summary.Canceled,
		timestamp,
		summary.Duration.Seconds(),
		timestamp,
		status,
		summary.Succeeded,
		summary.Total,
		timestamp,
		time.Now().Format(time.RFC3339),
	)

	if summary.Usage.Total() > 0 {
		message += fmt.Sprintf(
			"[%s] Tokens:       in %s, out %s, cache %s\n",
			timestamp,
			formatTokens(summary.Usage.InputTokens),
			formatTokens(summary.Usage.OutputTokens),
			formatTokens(summary.Usage.CacheReadTokens),
		)
	}

	if summary.Failed > 0 && len(summary.FailedTasks) > 0 {
		message += fmt.Sprintf("[%s] Failed tasks: %s\n", timestamp, strings.Join(summary.FailedTasks, ", "))
	}

	fl.writeRunLog(message)
}

// Close flushes and closes the run log file.
// It should be called when the logger is no longer needed.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}

	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		// Flush after each write for real-time logging
		fl.runLog.Sync()
	}
}
