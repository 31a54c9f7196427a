// Package writeback persists task completion back into the plan file by
// flipping the checkbox under the task's heading. Updates to the same plan
// file apply strictly in the order they were enqueued while different plan
// files proceed independently, so concurrent workers never clobber each
// other's rewrites.
package writeback

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/harrison/autodev/internal/filelock"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/parser"
)

// WarnLogger receives non-fatal diagnostics. A checkbox update never fails
// the caller; problems are reported here and the update is skipped.
type WarnLogger interface {
	LogWarn(message string)
}

// queueDepth bounds pending updates per plan file. Enqueueing beyond it
// blocks the caller until the worker catches up.
const queueDepth = 64

type update struct {
	taskID  string
	success bool

	// barrier marks a Flush sentinel; the worker closes it instead of
	// touching the file.
	barrier chan struct{}
}

// Queue serializes checkbox updates per plan file.
type Queue struct {
	warn WarnLogger

	mu      sync.Mutex
	workers map[string]chan update
	closed  bool
	wg      sync.WaitGroup
}

// NewQueue returns an empty queue. warn may be nil.
func NewQueue(warn WarnLogger) *Queue {
	return &Queue{
		warn:    warn,
		workers: make(map[string]chan update),
	}
}

func (q *Queue) warnf(format string, args ...interface{}) {
	if q.warn != nil {
		q.warn.LogWarn(fmt.Sprintf(format, args...))
	}
}

// UpdateTaskCheckbox enqueues a checkbox rewrite for the task's heading in
// filePath: checked on success, unchecked otherwise. The update is applied
// asynchronously; updates for the same file apply in enqueue order.
func (q *Queue) UpdateTaskCheckbox(filePath, taskID string, success bool) {
	key := filepath.Clean(filePath)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.warnf("writeback queue closed, dropping checkbox update for task %s", taskID)
		return
	}
	// The send stays under the mutex so Close can never close a channel
	// with a sender in flight. Workers drain without taking the mutex, so
	// a full buffer cannot deadlock here.
	q.jobsLocked(key) <- update{taskID: models.NormalizeTaskID(taskID), success: success}
}

// jobsLocked returns the job channel for key, starting its worker on first
// use. Callers must hold q.mu.
func (q *Queue) jobsLocked(key string) chan update {
	jobs, ok := q.workers[key]
	if !ok {
		jobs = make(chan update, queueDepth)
		q.workers[key] = jobs
		q.wg.Add(1)
		go q.runWorker(key, jobs)
	}
	return jobs
}

func (q *Queue) runWorker(path string, jobs <-chan update) {
	defer q.wg.Done()
	for u := range jobs {
		if u.barrier != nil {
			close(u.barrier)
			continue
		}
		q.apply(path, u.taskID, u.success)
	}
}

// Flush blocks until every update enqueued before the call has been applied.
func (q *Queue) Flush() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	barriers := make([]chan struct{}, 0, len(q.workers))
	for _, jobs := range q.workers {
		done := make(chan struct{})
		jobs <- update{barrier: done}
		barriers = append(barriers, done)
	}
	q.mu.Unlock()

	for _, done := range barriers {
		<-done
	}
}

// Close drains all pending updates and stops the workers. Updates enqueued
// after Close are dropped with a warning.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, jobs := range q.workers {
		close(jobs)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// apply performs one read-modify-write cycle under an advisory lock so
// external editors racing the scheduler see either the old or the new file,
// never a blend.
func (q *Queue) apply(path, taskID string, success bool) {
	lockPath := path + ".lock"
	lock := filelock.NewFileLock(lockPath)
	if err := lock.Lock(); err != nil {
		q.warnf("task %s: %v, skipping checkbox update", taskID, err)
		return
	}
	defer func() {
		lock.Unlock()
		os.Remove(lockPath)
	}()

	content, err := os.ReadFile(path)
	if err != nil {
		q.warnf("task %s: failed to read plan file: %v, skipping checkbox update", taskID, err)
		return
	}

	updated, changed, err := FlipCheckbox(content, taskID, success)
	if err != nil {
		q.warnf("task %s: %v, skipping checkbox update", taskID, err)
		return
	}
	if !changed {
		return
	}

	if err := filelock.AtomicWrite(path, updated); err != nil {
		q.warnf("task %s: failed to write plan file: %v", taskID, err)
	}
}

// FlipCheckbox rewrites the first checkbox under the task's heading to the
// desired state and reports whether the content changed. The checkbox must
// follow the heading directly, allowing up to two blank lines before it.
// Fenced code blocks are ignored when locating the heading, so a template
// inside an example block is never rewritten.
func FlipCheckbox(content []byte, taskID string, success bool) ([]byte, bool, error) {
	id := models.NormalizeTaskID(taskID)
	loc := headingCheckboxPattern(id).FindSubmatchIndex(parser.MaskFences(content))
	if loc == nil {
		return nil, false, fmt.Errorf("no checkbox found under heading for %s", id)
	}

	mark := byte(' ')
	if success {
		mark = 'x'
	}

	// Group 1 is the single mark byte inside the brackets. The mask keeps
	// byte offsets aligned with the original content.
	pos := loc[2]
	if content[pos] == mark {
		return content, false, nil
	}
	updated := append([]byte(nil), content...)
	updated[pos] = mark
	return updated, true, nil
}

// headingCheckboxPattern matches a level-3 task heading for id followed by
// the first checkbox, capturing the mark character. The separator class
// after the id keeps FE-1.1 from matching the FE-1.1-EXTRA heading.
func headingCheckboxPattern(id string) *regexp.Regexp {
	return regexp.MustCompile(
		`(?mi)^###[ \t]+(?:Task:[ \t]*)?` + regexp.QuoteMeta(id) +
			`[:： \t][^\n]*\n(?:[ \t]*\r?\n){0,2}[ \t]*[-+*][ \t]+\[([ xX~!])\]`,
	)
}
