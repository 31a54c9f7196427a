// Package models defines the task, plan, issue and session types shared by
// the Auto-Dev scheduler subsystems.
package models

import (
	"regexp"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values. Only the scheduler loop may move a task between them.
const (
	StatusPending  TaskStatus = "pending"
	StatusReady    TaskStatus = "ready"
	StatusRunning  TaskStatus = "running"
	StatusSuccess  TaskStatus = "success"
	StatusFailed   TaskStatus = "failed"
	StatusCanceled TaskStatus = "canceled"
)

// Valid reports whether s is one of the known task statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusRunning, StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Settled reports whether s is a status that never changes on its own
// (success or canceled). A failed task is only terminal when no retry is
// scheduled; use Task.IsTerminal for the full rule.
func (s TaskStatus) Settled() bool {
	return s == StatusSuccess || s == StatusCanceled
}

// DefaultWave is assigned to tasks that no wave declaration covers.
const DefaultWave = 99

// TaskKind classifies a task by its id prefix. The kind drives delegation
// hints and reporting; it never affects dependency ordering.
type TaskKind string

const (
	KindPrototype   TaskKind = "prototype"
	KindAudit       TaskKind = "audit"
	KindFrontend    TaskKind = "frontend"
	KindBackend     TaskKind = "backend"
	KindIntegration TaskKind = "integration"
	KindReview      TaskKind = "review"
	KindGeneral     TaskKind = "general"
)

// Scope narrows which side of the codebase a task touches.
type Scope string

const (
	ScopeFrontend Scope = "FE"
	ScopeBackend  Scope = "BE"
	ScopeFull     Scope = "FULL"
)

// TaskIDExpr matches task identifiers: word segments joined by '.' or '-',
// at least two segments (e.g. "BE-1.2", "INT-WAVE2", "FE-AUTH-3"). Exported
// so other packages can embed it in larger expressions.
const TaskIDExpr = `\w+[.-]\w+(?:[.-]\w+)*`

var (
	// TaskIDPattern finds task ids embedded in free text.
	TaskIDPattern = regexp.MustCompile(TaskIDExpr)

	// taskIDExact validates a full string as a task id.
	taskIDExact = regexp.MustCompile(`^` + TaskIDExpr + `$`)
)

// NormalizeTaskID trims and upper-cases a raw id. All ids are canonically
// upper case throughout the scheduler.
func NormalizeTaskID(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidTaskID reports whether id (after normalization) is a well-formed
// task identifier.
func ValidTaskID(id string) bool {
	return taskIDExact.MatchString(NormalizeTaskID(id))
}

// integrationPrefixes mark tasks that receive the open-issues digest when
// spawned.
var integrationPrefixes = []string{"INT-", "INTEGRATION", "FIX-WAVE"}

// IsIntegrationTaskID reports whether the id names an integration task.
func IsIntegrationTaskID(id string) bool {
	up := NormalizeTaskID(id)
	for _, p := range integrationPrefixes {
		if strings.HasPrefix(up, p) {
			return true
		}
	}
	return false
}

// KindForTaskID derives the task kind from the id prefix.
func KindForTaskID(id string) TaskKind {
	up := NormalizeTaskID(id)
	switch {
	case IsIntegrationTaskID(up):
		return KindIntegration
	case strings.HasPrefix(up, "PROTO"):
		return KindPrototype
	case strings.HasPrefix(up, "AUDIT"):
		return KindAudit
	case strings.HasPrefix(up, "FE-") || strings.HasPrefix(up, "FE."):
		return KindFrontend
	case strings.HasPrefix(up, "BE-") || strings.HasPrefix(up, "BE."):
		return KindBackend
	case strings.HasPrefix(up, "REV") || strings.HasPrefix(up, "REVIEW"):
		return KindReview
	default:
		return KindGeneral
	}
}

// Task is one unit of work from the plan file plus the runtime state the
// scheduler attaches to it.
type Task struct {
	// Structural fields, refreshed on every plan parse.
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Wave            int               `json:"wave"`
	DependsOn       []string          `json:"dependsOn,omitempty"`
	EstimatedTokens int               `json:"estimatedTokens,omitempty"`
	Persona         *Persona          `json:"persona,omitempty"`
	Scope           Scope             `json:"scope,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// Runtime fields, owned by the scheduler loop.
	Status             TaskStatus `json:"status"`
	WorkerID           string     `json:"workerId,omitempty"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	DurationSecs       int64      `json:"durationSecs,omitempty"`
	RetryCount         int        `json:"retryCount,omitempty"`
	NextRetryAt        int64      `json:"nextRetryAt,omitempty"` // epoch ms, 0 = none scheduled
	APIErrorRetryCount int        `json:"apiErrorRetryCount,omitempty"`
	IsAPIErrorRecovery bool       `json:"isApiErrorRecovery,omitempty"`
	HasModifiedCode    bool       `json:"hasModifiedCode,omitempty"`
}

// Kind returns the kind derived from the task id prefix.
func (t *Task) Kind() TaskKind {
	return KindForTaskID(t.ID)
}

// IsIntegration reports whether the task receives the issue digest.
func (t *Task) IsIntegration() bool {
	return IsIntegrationTaskID(t.ID)
}

// IsTerminal reports whether the task will never run again without manual
// intervention: success, canceled, or failed with no pending retry.
func (t *Task) IsTerminal() bool {
	if t.Status.Settled() {
		return true
	}
	return t.Status == StatusFailed && t.NextRetryAt == 0
}

// RetryPending reports whether the task failed with a scheduled auto-retry.
func (t *Task) RetryPending() bool {
	return t.Status == StatusFailed && t.NextRetryAt > 0
}

// RetryDue reports whether a scheduled retry has reached its due time.
func (t *Task) RetryDue(now time.Time) bool {
	return t.RetryPending() && t.NextRetryAt <= now.UnixMilli()
}

// Clone returns a deep copy so snapshots can escape the scheduler loop
// without sharing mutable state.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Persona != nil {
		p := *t.Persona
		c.Persona = &p
	}
	if t.StartTime != nil {
		ts := *t.StartTime
		c.StartTime = &ts
	}
	if t.EndTime != nil {
		ts := *t.EndTime
		c.EndTime = &ts
	}
	return &c
}

// ParseScope normalizes a scope field value. Unknown values return "" so
// callers can warn and continue.
func ParseScope(raw string) Scope {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "FE":
		return ScopeFrontend
	case "BE":
		return ScopeBackend
	case "FULL":
		return ScopeFull
	default:
		return ""
	}
}
