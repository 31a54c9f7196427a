package watchdog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// auditRecord is one line of the append-only decision log.
type auditRecord struct {
	Time     time.Time `json:"time"`
	WorkerID string    `json:"workerId"`
	TaskID   string    `json:"taskId"`
	Verdict  string    `json:"verdict"`
	Reason   string    `json:"reason"`
	Source   string    `json:"source"`
	Action   string    `json:"action"`
}

// auditLog appends JSON lines to the watchdog decision file. Open failures
// warn once and disable the log for the rest of the run.
type auditLog struct {
	mu     sync.Mutex
	path   string
	warn   Logger
	f      *os.File
	failed bool
}

func newAuditLog(path string, warn Logger) *auditLog {
	return &auditLog{path: path, warn: warn}
}

func (a *auditLog) append(diag Diagnosis, action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.path == "" || a.failed {
		return
	}

	if a.f == nil {
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			a.failed = true
			if a.warn != nil {
				a.warn.LogWarn(fmt.Sprintf("failed to open watchdog audit log %s: %v", a.path, err))
			}
			return
		}
		a.f = f
	}

	line, err := json.Marshal(auditRecord{
		Time:     time.Now().UTC(),
		WorkerID: diag.WorkerID,
		TaskID:   diag.TaskID,
		Verdict:  string(diag.Verdict),
		Reason:   diag.Reason,
		Source:   diag.Source,
		Action:   action,
	})
	if err != nil {
		return
	}
	if _, err := a.f.Write(append(line, '\n')); err != nil && a.warn != nil {
		a.warn.LogWarn(fmt.Sprintf("failed to append watchdog audit line: %v", err))
	}
}

func (a *auditLog) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
}
