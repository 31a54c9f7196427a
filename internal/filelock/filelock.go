// Package filelock provides file locking and atomic write operations so the
// plan file, session snapshots and reports survive concurrent writers and
// crashes mid-write.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned by LockWithTimeout when the lock could not be
// acquired before the deadline.
var ErrLockTimeout = errors.New("timed out waiting for file lock")

// retryInterval is the polling interval used by LockWithTimeout.
const retryInterval = 10 * time.Millisecond

// LockMetrics records how a lock acquisition went. Exposed so callers can
// log slow or contended acquisitions.
type LockMetrics struct {
	Attempts int
	WaitTime time.Duration
	TimedOut bool
}

// MonitorFunc receives lock metrics after each acquisition attempt
// completes, whether it succeeded or timed out.
type MonitorFunc func(path string, metrics LockMetrics)

// FileLock wraps a flock file lock for coordinating access to files.
type FileLock struct {
	flock *flock.Flock
	path  string

	mu          sync.Mutex
	lastMetrics LockMetrics
	monitor     MonitorFunc
}

// NewFileLock creates a new file lock for the given path.
// The lock file will be created at the specified path.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// SetMonitor installs a callback invoked with metrics after each Lock or
// LockWithTimeout completes. Pass nil to remove the monitor.
func (fl *FileLock) SetMonitor(fn MonitorFunc) {
	fl.mu.Lock()
	fl.monitor = fn
	fl.mu.Unlock()
}

// LastMetrics returns the metrics recorded by the most recent Lock or
// LockWithTimeout call.
func (fl *FileLock) LastMetrics() LockMetrics {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.lastMetrics
}

func (fl *FileLock) record(metrics LockMetrics) {
	fl.mu.Lock()
	fl.lastMetrics = metrics
	monitor := fl.monitor
	fl.mu.Unlock()

	if monitor != nil {
		monitor(fl.path, metrics)
	}
}

// Lock acquires an exclusive lock on the file, blocking until the lock is
// available.
func (fl *FileLock) Lock() error {
	start := time.Now()
	if err := fl.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, err)
	}
	fl.record(LockMetrics{Attempts: 1, WaitTime: time.Since(start)})
	return nil
}

// LockWithTimeout polls for the lock until it is acquired or the timeout
// elapses. Returns an error wrapping ErrLockTimeout on expiry.
func (fl *FileLock) LockWithTimeout(timeout time.Duration) error {
	start := time.Now()
	deadline := start.Add(timeout)

	attempts := 0
	for {
		attempts++
		acquired, err := fl.flock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
		}
		if acquired {
			fl.record(LockMetrics{Attempts: attempts, WaitTime: time.Since(start)})
			return nil
		}

		if time.Now().After(deadline) {
			fl.record(LockMetrics{Attempts: attempts, WaitTime: time.Since(start), TimedOut: true})
			return fmt.Errorf("lock on %s: %w after %v", fl.path, ErrLockTimeout, timeout)
		}

		time.Sleep(retryInterval)
	}
}

// TryLock attempts to acquire an exclusive lock without blocking. Returns
// true if the lock was acquired, false if another process holds it.
func (fl *FileLock) TryLock() (bool, error) {
	acquired, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
	}
	return acquired, nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite writes data to a file atomically using a temp file and rename
// strategy, so readers never observe partial writes.
//
// The process:
//  1. Create a temporary file in the same directory as the target
//  2. Write content to the temporary file and fsync it
//  3. Rename the temporary file to the target path (atomic operation)
//
// If the operation fails at any point, the original file (if it exists)
// remains unchanged.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Same directory as target so the rename stays on one filesystem.
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	// Success - prevent cleanup of temp file since it's now renamed.
	tempFile = nil

	return nil
}

// LockAndWrite acquires a lock, performs an atomic write, releases the lock
// and removes the lock file. The lock path is derived by appending ".lock"
// to the target path, so writing to "AUTO-DEV.md" uses lock file
// "AUTO-DEV.md.lock".
func LockAndWrite(path string, data []byte) error {
	lockPath := path + ".lock"
	lock := NewFileLock(lockPath)

	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() {
		lock.Unlock()
		os.Remove(lockPath)
	}()

	return AtomicWrite(path, data)
}

// ReplaceWithBackup writes data to path keeping a one-deep backup chain:
// the bytes land in "<path>.tmp" first (fsynced), the previous main file is
// renamed to "<path>.bak" best-effort, then the temp file is renamed over
// the main path. A crash between the two renames leaves either the .bak or
// the .tmp readable, which ReadWithFallback exploits.
func ReplaceWithBackup(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	bakPath := path + ".bak"

	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmpPath, err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync %s: %w", tmpPath, err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close %s: %w", tmpPath, err)
	}

	// Back up the current main file. Best-effort: a missing main file or a
	// failed rename must not abort the replace.
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, bakPath)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}

	return nil
}

// ReadWithFallback reads path, falling back to "<path>.bak" and then
// "<path>.tmp" so a crash mid-ReplaceWithBackup still yields the last
// complete snapshot. Returns the error from the primary path when none of
// the three candidates are readable.
func ReadWithFallback(path string) ([]byte, error) {
	candidates := []string{path, path + ".bak", path + ".tmp"}

	var firstErr error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	return nil, fmt.Errorf("no readable copy of %s: %w", path, firstErr)
}
