package logger

import (
	"testing"

	"github.com/fatih/color"
	"github.com/harrison/autodev/internal/models"
)

func TestFormatTokens(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0k"},
		{1500, "1.5k"},
		{12345, "12.3k"},
		{1000000, "1000.0k"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := formatTokens(tt.input); got != tt.expected {
				t.Errorf("formatTokens(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatColorizedTokenUsage(t *testing.T) {
	// Force plain output so content assertions are stable
	prev := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = prev }()

	tests := []struct {
		name     string
		usage    models.TokenUsage
		expected string
	}{
		{
			name:     "empty usage",
			usage:    models.TokenUsage{},
			expected: "",
		},
		{
			name:     "input only",
			usage:    models.TokenUsage{InputTokens: 2500},
			expected: "in: 2.5k",
		},
		{
			name:     "all fields",
			usage:    models.TokenUsage{InputTokens: 12000, OutputTokens: 3400, CacheReadTokens: 120000},
			expected: "in: 12.0k, out: 3.4k, cache: 120.0k",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatColorizedTokenUsage(tt.usage); got != tt.expected {
				t.Errorf("formatColorizedTokenUsage() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStatusColorCoversAllStatuses(t *testing.T) {
	statuses := []models.TaskStatus{
		models.StatusPending,
		models.StatusReady,
		models.StatusRunning,
		models.StatusSuccess,
		models.StatusFailed,
		models.StatusCanceled,
	}

	for _, status := range statuses {
		if statusColor(status) == nil {
			t.Errorf("statusColor(%s) returned nil", status)
		}
	}
}
