// Package logger provides logging implementations for scheduler runs.
//
// The logger package offers leveled logging of orchestration progress at the
// wave, task and summary levels. Implementations are thread-safe and support
// various output destinations (console, file, etc.).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/autodev/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// RunSummary aggregates the outcome of a scheduler run for LogSummary.
type RunSummary struct {
	Total       int
	Succeeded   int
	Failed      int
	Canceled    int
	Duration    time.Duration
	FailedTasks []string
	Usage       models.TokenUsage
}

// ConsoleLogger logs orchestration progress to a writer with timestamps and
// thread safety. All output is prefixed with [HH:MM:SS] timestamps for
// tracking execution flow. It supports log level filtering to control
// message verbosity. Color output is automatically enabled for terminal
// output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// logLevel determines the minimum log level for messages to be output.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
// Color output is automatically enabled when writing to os.Stdout or os.Stderr with TTY support.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		mutex:       sync.Mutex{},
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// Returns true for os.Stdout and os.Stderr when they are TTYs.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}

	// NO_COLOR wins regardless of what the writer is connected to. The
	// color library sets NoColor from the environment at init.
	if color.NoColor {
		return false
	}

	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return false
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if validLevels[normalized] {
		return normalized
	}

	return "info" // Default level
}

// shouldLog checks if a message at the given level should be logged.
// Returns true if messageLevel >= configured logLevel.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	configuredLevel := logLevelToInt(cl.logLevel)
	msgLevel := logLevelToInt(messageLevel)
	return msgLevel >= configuredLevel
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo // Default to info if unknown
	}
}

// LogTrace logs a trace-level message (most verbose).
// Format: "[HH:MM:SS] [TRACE] <message>"
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
// Format: "[HH:MM:SS] [DEBUG] <message>"
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
// Format: "[HH:MM:SS] [INFO] <message>"
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
// Format: "[HH:MM:SS] [WARN] <message>"
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
// Format: "[HH:MM:SS] [ERROR] <message>"
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

// logWithLevel is a helper that logs a message at the specified level if filtering allows it.
func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}

	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string

	if cl.colorOutput {
		formatted = cl.formatWithColor(ts, level, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}

	cl.writer.Write([]byte(formatted))
}

// formatWithColor formats a log message with ANSI color codes.
func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	var coloredLevel string

	switch strings.ToUpper(level) {
	case "TRACE":
		coloredLevel = color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		coloredLevel = color.New(color.FgCyan).Sprint(level)
	case "INFO":
		coloredLevel = color.New(color.FgBlue).Sprint(level)
	case "WARN":
		coloredLevel = color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		coloredLevel = color.New(color.FgRed).Sprint(level)
	default:
		coloredLevel = level
	}

	return fmt.Sprintf("[%s] [%s] %s\n", ts, coloredLevel, message)
}

// LogWaveStart logs the start of a wave at INFO level.
// Format: "[HH:MM:SS] Starting wave <n>: <count> tasks"
func (cl *ConsoleLogger) LogWaveStart(wave int, taskCount int) {
	if cl.writer == nil {
		return
	}

	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()

	var message string
	if cl.colorOutput {
		waveName := color.New(color.Bold).Sprintf("wave %d", wave)
		message = fmt.Sprintf("[%s] Starting %s: %d tasks\n", ts, waveName, taskCount)
	} else {
		message = fmt.Sprintf("[%s] Starting wave %d: %d tasks\n", ts, wave, taskCount)
	}

	cl.writer.Write([]byte(message))
}

// LogWaveComplete logs the completion of a wave at INFO level.
// Format: "[HH:MM:SS] Wave <n> complete (<duration>)"
func (cl *ConsoleLogger) LogWaveComplete(wave int, duration time.Duration) {
	if cl.writer == nil {
		return
	}

	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	durationStr := formatDuration(duration)

	var message string
	if cl.colorOutput {
		waveName := color.New(color.Bold).Sprintf("Wave %d", wave)
		completeText := color.New(color.FgGreen).Sprint("complete")
		message = fmt.Sprintf("[%s] %s %s (%s)\n", ts, waveName, completeText, durationStr)
	} else {
		message = fmt.Sprintf("[%s] Wave %d complete (%s)\n", ts, wave, durationStr)
	}

	cl.writer.Write([]byte(message))
}

// LogTaskResult logs the settled state of a task at DEBUG level.
// Format: "[HH:MM:SS] Task <id> (<title>): <status>"
// Returns nil for successful logging, or an error if logging failed.
func (cl *ConsoleLogger) LogTaskResult(task *models.Task) error {
	if cl.writer == nil || task == nil {
		return nil
	}

	if !cl.shouldLog("debug") {
		return nil
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	taskInfo := fmt.Sprintf("Task %s (%s)", task.ID, task.Title)

	statusText := string(task.Status)
	if cl.colorOutput {
		statusText = statusColor(task.Status).Sprint(strings.ToUpper(statusText))
	}

	var suffix string
	if task.RetryCount > 0 {
		suffix = fmt.Sprintf(" [retry %d]", task.RetryCount)
	}
	if task.DurationSecs > 0 {
		suffix += fmt.Sprintf(" (%s)", formatDuration(time.Duration(task.DurationSecs)*time.Second))
	}

	message := fmt.Sprintf("[%s] %s: %s%s\n", ts, taskInfo, statusText, suffix)

	_, err := cl.writer.Write([]byte(message))
	return err
}

// LogWorkerLine echoes a single line of agent output at TRACE level.
// Format: "[HH:MM:SS] [w1 FE-001] <text>"
func (cl *ConsoleLogger) LogWorkerLine(workerID, taskID, text string) {
	if cl.writer == nil {
		return
	}

	if !cl.shouldLog("trace") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	prefix := fmt.Sprintf("[%s %s]", workerID, taskID)
	if cl.colorOutput {
		prefix = color.New(color.FgCyan).Sprint(prefix)
	}

	cl.writer.Write([]byte(fmt.Sprintf("[%s] %s %s\n", ts, prefix, text)))
}

// LogSummary logs the run summary with completion statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(summary RunSummary) {
	if cl.writer == nil {
		return
	}

	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	durationStr := formatDuration(summary.Duration)

	var output string

	if cl.colorOutput {
		header := color.New(color.Bold).Sprint("=== Run Summary ===")
		output = fmt.Sprintf("[%s] %s\n", ts, header)
		output += fmt.Sprintf("[%s] Total tasks: %d\n", ts, summary.Total)

		succeededText := color.New(color.FgGreen).Sprintf("Succeeded: %d", summary.Succeeded)
		output += fmt.Sprintf("[%s] %s\n", ts, succeededText)

		if summary.Failed > 0 {
			failedText := color.New(color.FgRed).Sprintf("Failed: %d", summary.Failed)
			output += fmt.Sprintf("[%s] %s\n", ts, failedText)
		} else {
			output += fmt.Sprintf("[%s] Failed: %d\n", ts, summary.Failed)
		}

		if summary.Canceled > 0 {
			output += fmt.Sprintf("[%s] Canceled: %d\n", ts, summary.Canceled)
		}

		output += fmt.Sprintf("[%s] Duration: %s\n", ts, durationStr)

		if usage := formatColorizedTokenUsage(summary.Usage); usage != "" {
			output += fmt.Sprintf("[%s] Tokens: %s\n", ts, usage)
		}

		if summary.Failed > 0 && len(summary.FailedTasks) > 0 {
			failedHeader := color.New(color.FgRed).Sprint("Failed tasks:")
			output += fmt.Sprintf("[%s] %s\n", ts, failedHeader)
			for _, id := range summary.FailedTasks {
				taskName := color.New(color.FgRed).Sprint(id)
				output += fmt.Sprintf("[%s]   - %s\n", ts, taskName)
			}
		}
	} else {
		output = fmt.Sprintf("[%s] === Run Summary ===\n", ts)
		output += fmt.Sprintf("[%s] Total tasks: %d\n", ts, summary.Total)
		output += fmt.Sprintf("[%s] Succeeded: %d\n", ts, summary.Succeeded)
		output += fmt.Sprintf("[%s] Failed: %d\n", ts, summary.Failed)
		if summary.Canceled > 0 {
			output += fmt.Sprintf("[%s] Canceled: %d\n", ts, summary.Canceled)
		}
		output += fmt.Sprintf("[%s] Duration: %s\n", ts, durationStr)

		if summary.Usage.Total() > 0 {
			output += fmt.Sprintf("[%s] Tokens: in %s, out %s, cache %s\n", ts,
				formatTokens(summary.Usage.InputTokens),
				formatTokens(summary.Usage.OutputTokens),
				formatTokens(summary.Usage.CacheReadTokens))
		}

		if summary.Failed > 0 && len(summary.FailedTasks) > 0 {
			output += fmt.Sprintf("[%s] Failed tasks:\n", ts)
			for _, id := range summary.FailedTasks {
				output += fmt.Sprintf("[%s]   - %s\n", ts, id)
			}
		}
	}

	cl.writer.Write([]byte(output))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// LogProgress logs real-time task progress with percentage and counts.
// Format: "[HH:MM:SS] Progress: [====    ] 4/8 (50%) - 2 running"
// Handles edge cases: zero tasks, all settled, no duration data.
func (cl *ConsoleLogger) LogProgress(tasks []*models.Task) {
	if cl.writer == nil {
		return
	}

	if !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()

	settled := 0
	running := 0
	for _, task := range tasks {
		if task.IsTerminal() {
			settled++
		} else if task.Status == models.StatusRunning {
			running++
		}
	}

	total := len(tasks)

	pb := NewProgressBar(total, 10, cl.colorOutput)
	pb.Update(settled)

	var runningStr string
	if running > 0 {
		runningStr = fmt.Sprintf(" - %d running", running)
	}

	output := fmt.Sprintf("[%s] Progress: %s%s\n", ts, pb.Render(), runningStr)
	cl.writer.Write([]byte(output))
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger is a logger implementation that discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// LogTrace is a no-op implementation.
func (n *NoOpLogger) LogTrace(message string) {}

// LogDebug is a no-op implementation.
func (n *NoOpLogger) LogDebug(message string) {}

// LogInfo is a no-op implementation.
func (n *NoOpLogger) LogInfo(message string) {}

// LogWarn is a no-op implementation.
func (n *NoOpLogger) LogWarn(message string) {}

// LogError is a no-op implementation.
func (n *NoOpLogger) LogError(message string) {}
