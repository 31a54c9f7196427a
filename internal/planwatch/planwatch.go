// Package planwatch reloads the scheduler's plan when the file changes on
// disk, so editing AUTO-DEV.md mid-run takes effect without a restart.
package planwatch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last file event before a
// reload fires. Editors and the checkbox writeback both produce bursts
// (temp file, rename, metadata touch); one reload per burst is enough.
const DefaultDebounce = 500 * time.Millisecond

// Reloader is the scheduler surface the watcher drives.
type Reloader interface {
	ReloadPlan() error
}

// Logger is the console surface for watch diagnostics.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Watcher triggers a plan reload after external edits settle. It watches
// the plan's parent directory rather than the file itself: editors and
// AtomicWrite replace the file by rename, which silently detaches a watch
// held on the old inode.
type Watcher struct {
	path     string
	base     string
	reloader Reloader
	log      Logger
	watcher  *fsnotify.Watcher
	signals  chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	debounce time.Duration
	timer    *time.Timer
	closed   bool
}

// New starts watching planPath and invokes reloader once per settled burst
// of changes. warn-level diagnostics go to log; log may be nil. Call Close
// to release the watch.
func New(planPath string, reloader Reloader, log Logger) (*Watcher, error) {
	abs, err := filepath.Abs(planPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		path:     abs,
		base:     filepath.Base(abs),
		reloader: reloader,
		log:      log,
		watcher:  fsw,
		signals:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		debounce: DefaultDebounce,
	}
	go w.run()
	w.infof("watching %s for plan changes", abs)
	return w, nil
}

// Path returns the absolute plan path under watch.
func (w *Watcher) Path() string {
	return w.path
}

// SetDebounceDelay overrides the quiet period. Call it before the first
// file event arrives.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signals:
			w.reload()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.warnf("plan watch error: %v", err)
		}
	}
}

// handleEvent filters directory noise down to the plan file itself. The
// writeback queue's temp files and <plan>.lock land in the same directory
// and never match the base name.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != w.base {
		return
	}
	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		w.arm()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The file may be mid-replace; arm anyway and let reload decide
		// once the burst settles.
		w.arm()
	}
	// Chmod-only events say nothing about content.
}

// arm starts or restarts the quiet-period timer.
func (w *Watcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.signal)
}

// signal nudges the run goroutine. A pending nudge already covers this
// burst, so the send never blocks.
func (w *Watcher) signal() {
	select {
	case w.signals <- struct{}{}:
	default:
	}
}

// reload runs on the watcher goroutine so a slow reparse never stacks
// concurrent reloads.
func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.warnf("plan file %s removed, waiting for it to return", w.path)
		} else {
			w.warnf("failed to stat plan file: %v", err)
		}
		return
	}
	w.infof("plan file changed on disk, reloading")
	if err := w.reloader.ReloadPlan(); err != nil {
		w.warnf("plan reload failed: %v", err)
	}
}

// Close stops the watch and any pending debounce timer. Safe to call twice.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) infof(format string, args ...interface{}) {
	if w.log != nil {
		w.log.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (w *Watcher) warnf(format string, args ...interface{}) {
	if w.log != nil {
		w.log.LogWarn(fmt.Sprintf(format, args...))
	}
}
