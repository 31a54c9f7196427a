package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/harrison/autodev/internal/models"
)

// colorScheme defines consistent colors for different metric types.
// Green: success/positive metrics
// Red: failure/error metrics
// Yellow: warning/threshold metrics
// Cyan: labels and identifiers
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	value   *color.Color
}

// newColorScheme creates the standard color scheme for metrics.
func newColorScheme() *colorScheme {
	return &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		value:   color.New(color.FgWhite),
	}
}

// statusColor returns the display color for a task status.
func statusColor(status models.TaskStatus) *color.Color {
	switch status {
	case models.StatusSuccess:
		return color.New(color.FgGreen)
	case models.StatusFailed:
		return color.New(color.FgRed)
	case models.StatusCanceled:
		return color.New(color.FgHiBlack)
	case models.StatusRunning:
		return color.New(color.FgCyan)
	case models.StatusReady:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgWhite)
	}
}

// formatTokens renders a token count as a compact kilo figure, e.g. 12345
// becomes "12.3k". Counts below 1000 print as-is.
func formatTokens(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%.1fk", float64(n)/1000)
}

// formatColorizedMetric formats a single metric with colorized label and value.
// Label is colored cyan, value is colored white.
// Format: "label: value"
func formatColorizedMetric(label string, value interface{}, scheme *colorScheme) string {
	labelColored := scheme.label.Sprint(label)
	valueColored := scheme.value.Sprintf("%v", value)
	return fmt.Sprintf("%s: %s", labelColored, valueColored)
}

// formatColorizedTokenUsage formats accumulated token usage with color
// coding. Returns empty string when no tokens were observed.
// Format: "in: 12.3k, out: 4.5k, cache: 120.1k"
// Input/output counts use cyan labels; the cache-read count is green since
// cache hits are the cheap path. Colors are automatically disabled when
// output is not a TTY via fatih/color's built-in detection.
func formatColorizedTokenUsage(usage models.TokenUsage) string {
	if usage.Total() == 0 {
		return ""
	}

	scheme := newColorScheme()
	var parts []string

	if usage.InputTokens > 0 {
		parts = append(parts, formatColorizedMetric("in", formatTokens(usage.InputTokens), scheme))
	}
	if usage.OutputTokens > 0 {
		parts = append(parts, formatColorizedMetric("out", formatTokens(usage.OutputTokens), scheme))
	}
	if usage.CacheReadTokens > 0 {
		labelColored := scheme.success.Sprint("cache")
		valueColored := scheme.value.Sprint(formatTokens(usage.CacheReadTokens))
		parts = append(parts, fmt.Sprintf("%s: %s", labelColored, valueColored))
	}

	if len(parts) == 0 {
		return ""
	}

	return strings.Join(parts, ", ")
}
