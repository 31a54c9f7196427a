// Package session persists per-plan-file scheduler state so an interrupted
// run resumes where it left off. Each plan file maps to one JSON snapshot
// under the sessions home; writes go through a temp/backup rename chain and
// rapid state changes coalesce into a single debounced flush.
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/filelock"
	"github.com/harrison/autodev/internal/models"
)

// WarnLogger receives non-fatal diagnostics. Persistence never fails the
// scheduler; a broken snapshot degrades to an empty session.
type WarnLogger interface {
	LogWarn(message string)
}

// Store reads and writes session snapshots under one directory.
type Store struct {
	dir      string
	debounce time.Duration
	warn     WarnLogger

	mu      sync.Mutex
	nonce   uint64
	timer   *time.Timer
	pending *models.SessionSnapshot
}

// NewStore returns a store rooted at dir (normally <home>/sessions).
// warn may be nil.
func NewStore(dir string, debounce time.Duration, warn WarnLogger) *Store {
	return &Store{dir: dir, debounce: debounce, warn: warn}
}

func (s *Store) warnf(format string, args ...interface{}) {
	if s.warn != nil {
		s.warn.LogWarn(fmt.Sprintf(format, args...))
	}
}

// KeyFor derives the snapshot key for a plan path: the first 16 hex chars
// of SHA-1 over the absolute path. Windows paths hash case-insensitively
// because the filesystem resolves them that way.
func KeyFor(planPath string) string {
	path := planPath
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
	}
	sum := sha1.Sum([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}

// PathFor returns the snapshot file path for a plan file.
func (s *Store) PathFor(planPath string) string {
	return filepath.Join(s.dir, KeyFor(planPath)+".json")
}

// Save writes a snapshot immediately, stamping version and save time. The
// write lands in .tmp first, the previous main file becomes .bak, then the
// temp renames over main, so readers always find a complete copy.
func (s *Store) Save(snap *models.SessionSnapshot) error {
	snap.Version = models.SessionVersion
	snap.SavedAt = time.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := filelock.ReplaceWithBackup(s.PathFor(snap.PlanPath), data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Load reads the snapshot for a plan file, trying main, .bak and .tmp in
// order. A missing session returns (nil, nil); an unreadable or
// version-mismatched one is discarded with a warning, never an error the
// caller must handle.
func (s *Store) Load(planPath string) (*models.SessionSnapshot, error) {
	path := s.PathFor(planPath)
	data, err := filelock.ReadWithFallback(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var snap models.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.warnf("discarding unreadable session %s: %v", filepath.Base(path), err)
		return nil, nil
	}
	if snap.Version != models.SessionVersion {
		s.warnf("discarding session %s with version %d", filepath.Base(path), snap.Version)
		return nil, nil
	}
	return &snap, nil
}

// RequestSave schedules a debounced write. Fast-follow requests within the
// debounce window replace the pending snapshot and share one flush. The
// snapshot must not be mutated after handoff.
func (s *Store) RequestSave(snap *models.SessionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = snap
	if s.timer != nil {
		return
	}
	nonce := s.nonce
	s.timer = time.AfterFunc(s.debounce, func() { s.flushDebounced(nonce) })
}

func (s *Store) flushDebounced(nonce uint64) {
	s.mu.Lock()
	if nonce != s.nonce {
		// A plan load invalidated this timer between fire and run.
		s.mu.Unlock()
		return
	}
	snap := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if snap == nil {
		return
	}
	if err := s.Save(snap); err != nil {
		s.warnf("%v", err)
	}
}

// Invalidate abandons any pending debounced write. Called on plan load so
// a stale timer can never persist state from the previous plan over the
// fresh one.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

// Flush writes any pending debounced snapshot now. Called on stop so the
// last state change is on disk before the process exits.
func (s *Store) Flush() {
	s.mu.Lock()
	snap := s.pending
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if snap == nil {
		return
	}
	if err := s.Save(snap); err != nil {
		s.warnf("%v", err)
	}
}
