// Package logarchive keeps a per-task, append-only log trail on disk. Each
// task gets its own directory of timestamped files under the logs home, and
// every write for a task flows through a single writer goroutine so lines
// land in emission order no matter how many workers are producing them.
package logarchive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/models"
)

// WarnLogger receives non-fatal diagnostics. Archival never fails the
// caller; problems are reported here and the write is skipped.
type WarnLogger interface {
	LogWarn(message string)
}

// queueDepth bounds pending writes per task. Worker output bursts, so the
// buffer is generous; enqueueing beyond it blocks until the writer catches
// up.
const queueDepth = 256

// Entry is one archived log line. Kind mirrors the worker event kinds
// (stdout, stderr, tool, system, ...).
type Entry struct {
	Time time.Time
	Kind string
	Text string
}

type job struct {
	entry Entry
	start bool

	// barrier marks a Flush sentinel; the writer closes it instead of
	// touching the file.
	barrier chan struct{}
}

// Archiver serializes per-task log writes and applies retention.
type Archiver struct {
	baseDir string
	cfg     config.ArchiveConfig
	warn    WarnLogger

	mu      sync.Mutex
	writers map[string]chan job
	closed  bool
	wg      sync.WaitGroup
}

// NewArchiver returns an archiver rooted at baseDir (normally <home>/logs).
// warn may be nil.
func NewArchiver(baseDir string, cfg config.ArchiveConfig, warn WarnLogger) *Archiver {
	return &Archiver{
		baseDir: baseDir,
		cfg:     cfg,
		warn:    warn,
		writers: make(map[string]chan job),
	}
}

func (a *Archiver) warnf(format string, args ...interface{}) {
	if a.warn != nil {
		a.warn.LogWarn(fmt.Sprintf(format, args...))
	}
}

// TaskLogDir returns the directory holding the task's archived logs.
func (a *Archiver) TaskLogDir(taskID string) string {
	return filepath.Join(a.baseDir, models.NormalizeTaskID(taskID))
}

// StartTaskLog rotates the task onto a fresh timestamped file and purges
// old files past the retention window or the per-task byte cap. Called at
// worker spawn; appends before it land in a lazily-opened file.
func (a *Archiver) StartTaskLog(taskID string) {
	a.enqueue(taskID, job{start: true})
}

// Append records one line for the task. The timestamp is taken now, not at
// write time, so queue latency never skews the trail.
func (a *Archiver) Append(taskID, kind, text string) {
	a.enqueue(taskID, job{entry: Entry{Time: time.Now(), Kind: kind, Text: text}})
}

// ArchiveWorkerBuffer dumps a finished worker's in-memory log buffer into
// the task's current file, preserving the buffered timestamps and order.
func (a *Archiver) ArchiveWorkerBuffer(taskID string, entries []Entry) {
	for _, e := range entries {
		a.enqueue(taskID, job{entry: e})
	}
}

func (a *Archiver) enqueue(taskID string, j job) {
	id := models.NormalizeTaskID(taskID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.warnf("log archiver closed, dropping write for task %s", id)
		return
	}
	// The send stays under the mutex so Close can never close a channel
	// with a sender in flight. Writers drain without taking the mutex, so
	// a full buffer cannot deadlock here.
	a.jobsLocked(id) <- j
}

// jobsLocked returns the job channel for the task, starting its writer on
// first use. Callers must hold a.mu.
func (a *Archiver) jobsLocked(taskID string) chan job {
	jobs, ok := a.writers[taskID]
	if !ok {
		jobs = make(chan job, queueDepth)
		a.writers[taskID] = jobs
		a.wg.Add(1)
		go a.runWriter(taskID, jobs)
	}
	return jobs
}

// Flush blocks until every write enqueued before the call has hit disk.
func (a *Archiver) Flush() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	barriers := make([]chan struct{}, 0, len(a.writers))
	for _, jobs := range a.writers {
		done := make(chan struct{})
		jobs <- job{barrier: done}
		barriers = append(barriers, done)
	}
	a.mu.Unlock()

	for _, done := range barriers {
		<-done
	}
}

// Close drains all pending writes, closes the open files and stops the
// writers. Writes enqueued after Close are dropped with a warning.
func (a *Archiver) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, jobs := range a.writers {
		close(jobs)
	}
	a.mu.Unlock()

	a.wg.Wait()
}

// runWriter owns the task's current file. All opens, writes and purges for
// one task happen here, so no file state needs locking.
func (a *Archiver) runWriter(taskID string, jobs <-chan job) {
	defer a.wg.Done()
	var current *os.File
	for j := range jobs {
		switch {
		case j.barrier != nil:
			close(j.barrier)
		case j.start:
			if current != nil {
				current.Close()
			}
			current = a.openTaskLog(taskID)
		default:
			if current == nil {
				current = a.openTaskLog(taskID)
				if current == nil {
					continue
				}
			}
			if _, err := current.WriteString(formatLine(j.entry)); err != nil {
				a.warnf("task %s: failed to append log: %v", taskID, err)
			}
		}
	}
	if current != nil {
		current.Close()
	}
}

// openTaskLog creates the task directory, purges stale files and opens a
// timestamped file for appending. Returns nil (after warning) on failure.
func (a *Archiver) openTaskLog(taskID string) *os.File {
	dir := a.TaskLogDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		a.warnf("task %s: failed to create log directory: %v", taskID, err)
		return nil
	}

	name := time.Now().Format("2006-01-02-150405") + ".log"
	a.purge(dir, name)

	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		a.warnf("task %s: failed to open log file: %v", taskID, err)
		return nil
	}
	return file
}

// purge removes archived files older than the retention window, then the
// oldest files until the directory fits the per-task byte cap. The current
// file (by name) is never removed.
func (a *Archiver) purge(dir, current string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		a.warnf("failed to scan %s for retention: %v", dir, err)
		return
	}

	type archived struct {
		path string
		size int64
		mod  time.Time
	}
	var files []archived
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		// The current file counts toward the footprint but is never a
		// removal candidate.
		if entry.Name() == current {
			continue
		}
		files = append(files, archived{
			path: filepath.Join(dir, entry.Name()),
			size: info.Size(),
			mod:  info.ModTime(),
		})
	}

	if a.cfg.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)
		kept := files[:0]
		for _, f := range files {
			if f.mod.Before(cutoff) {
				if err := os.Remove(f.path); err != nil {
					a.warnf("failed to remove expired log %s: %v", f.path, err)
					kept = append(kept, f)
					continue
				}
				total -= f.size
				continue
			}
			kept = append(kept, f)
		}
		files = kept
	}

	if a.cfg.MaxTaskBytes <= 0 {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		if total <= a.cfg.MaxTaskBytes {
			break
		}
		if err := os.Remove(f.path); err != nil {
			a.warnf("failed to remove log %s over size cap: %v", f.path, err)
			continue
		}
		total -= f.size
	}
}

var newlineEscaper = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\n`)

// formatLine renders one archive line: UTC ISO timestamp, local short time,
// entry kind, then the text with embedded newlines escaped so every entry
// stays on a single line.
func formatLine(e Entry) string {
	return fmt.Sprintf("%s [%s] [%s] %s\n",
		e.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		e.Time.Format("15:04:05"),
		e.Kind,
		newlineEscaper.Replace(e.Text))
}
