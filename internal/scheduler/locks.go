package scheduler

import "sync"

// lockTable is the single source of truth for task ownership. The worker
// supervisor acquires through it before spawning, and completion handling
// compares holders to spot stale reports from workers that lost their lock
// to a stop or a restart.
type lockTable struct {
	mu   sync.Mutex
	held map[string]string // task id -> worker id
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]string)}
}

// Acquire grants taskID to workerID. It refuses when any worker, including
// workerID itself, already holds the task.
func (l *lockTable) Acquire(taskID, workerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[taskID]; taken {
		return false
	}
	l.held[taskID] = workerID
	return true
}

// Release frees taskID if workerID still holds it. A release by a worker
// that lost the lock is ignored.
func (l *lockTable) Release(taskID, workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[taskID] == workerID {
		delete(l.held, taskID)
	}
}

// Holder returns the worker holding taskID, or "" when unlocked.
func (l *lockTable) Holder(taskID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[taskID]
}

// Len returns the number of held locks.
func (l *lockTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
