package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetAutodevHome returns the scheduler state directory.
// Priority order:
//  1. AUTODEV_HOME environment variable (if set)
//  2. ~/.autodev
//
// The directory is created if it doesn't exist. It holds sessions/, logs/,
// history.db and watchdog.log.
func GetAutodevHome() (string, error) {
	if home := os.Getenv("AUTODEV_HOME"); home != "" {
		if err := os.MkdirAll(home, 0755); err != nil {
			return "", fmt.Errorf("create autodev home directory: %w", err)
		}
		return home, nil
	}

	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home directory: %w", err)
	}

	autodevHome := filepath.Join(userHome, ".autodev")
	if err := os.MkdirAll(autodevHome, 0755); err != nil {
		return "", fmt.Errorf("create autodev home directory: %w", err)
	}

	return autodevHome, nil
}

// ResolveHome returns cfg.HomeDir when set (created on demand), otherwise
// falls back to GetAutodevHome.
func (c *Config) ResolveHome() (string, error) {
	if c.HomeDir != "" {
		if err := os.MkdirAll(c.HomeDir, 0755); err != nil {
			return "", fmt.Errorf("create autodev home directory: %w", err)
		}
		return c.HomeDir, nil
	}
	return GetAutodevHome()
}

// GetSessionsDir returns <home>/sessions, created on demand.
func GetSessionsDir(home string) (string, error) {
	dir := filepath.Join(home, "sessions")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create sessions directory: %w", err)
	}
	return dir, nil
}

// GetLogsDir returns <home>/logs, created on demand.
func GetLogsDir(home string) (string, error) {
	dir := filepath.Join(home, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create logs directory: %w", err)
	}
	return dir, nil
}

// HistoryDBPath returns the attempt-history database path: the configured
// override when set, else <home>/history.db.
func (c *Config) HistoryDBPath(home string) string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	return filepath.Join(home, "history.db")
}

// WatchdogLogPath returns the watchdog JSONL audit file path.
func WatchdogLogPath(home string) string {
	return filepath.Join(home, "watchdog.log")
}
