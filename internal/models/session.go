package models

import "time"

// SessionVersion gates snapshot compatibility; unknown versions are
// discarded on read.
const SessionVersion = 1

// PauseReason records why the scheduler is paused.
type PauseReason string

const (
	PauseNone     PauseReason = ""
	PauseUser     PauseReason = "user"
	PauseBlocker  PauseReason = "blocker"
	PauseAPIError PauseReason = "apiError"
)

// RetryPolicy is the persisted auto-retry configuration.
type RetryPolicy struct {
	Enabled     bool  `json:"enabled"`
	MaxRetries  int   `json:"maxRetries"`
	BaseDelayMs int64 `json:"baseDelayMs"`
}

// TaskRuntime is the per-task slice of a session snapshot: everything the
// scheduler needs to restore runtime state onto a freshly parsed task.
type TaskRuntime struct {
	Status             TaskStatus `json:"status"`
	StartTime          *time.Time `json:"startTime,omitempty"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	DurationSecs       int64      `json:"durationSecs,omitempty"`
	RetryCount         int        `json:"retryCount,omitempty"`
	NextRetryAt        int64      `json:"nextRetryAt,omitempty"`
	APIErrorRetryCount int        `json:"apiErrorRetryCount,omitempty"`
	IsAPIErrorRecovery bool       `json:"isApiErrorRecovery,omitempty"`
	HasModifiedCode    bool       `json:"hasModifiedCode,omitempty"`
}

// Terminal mirrors Task.IsTerminal for a persisted runtime slice: settled,
// or failed with no retry scheduled.
func (rt TaskRuntime) Terminal() bool {
	if rt.Status.Settled() {
		return true
	}
	return rt.Status == StatusFailed && rt.NextRetryAt == 0
}

// RuntimeOf extracts the persistable runtime slice of a task.
func RuntimeOf(t *Task) TaskRuntime {
	rt := TaskRuntime{
		Status:             t.Status,
		DurationSecs:       t.DurationSecs,
		RetryCount:         t.RetryCount,
		NextRetryAt:        t.NextRetryAt,
		APIErrorRetryCount: t.APIErrorRetryCount,
		IsAPIErrorRecovery: t.IsAPIErrorRecovery,
		HasModifiedCode:    t.HasModifiedCode,
	}
	if t.StartTime != nil {
		ts := *t.StartTime
		rt.StartTime = &ts
	}
	if t.EndTime != nil {
		ts := *t.EndTime
		rt.EndTime = &ts
	}
	return rt
}

// ApplyRuntime restores a persisted runtime slice onto a task.
func ApplyRuntime(t *Task, rt TaskRuntime) {
	t.Status = rt.Status
	t.DurationSecs = rt.DurationSecs
	t.RetryCount = rt.RetryCount
	t.NextRetryAt = rt.NextRetryAt
	t.APIErrorRetryCount = rt.APIErrorRetryCount
	t.IsAPIErrorRecovery = rt.IsAPIErrorRecovery
	t.HasModifiedCode = rt.HasModifiedCode
	t.StartTime = rt.StartTime
	t.EndTime = rt.EndTime
}

// SessionSnapshot is the versioned persisted image of one plan file's
// scheduler state.
type SessionSnapshot struct {
	Version          int                    `json:"version"`
	SavedAt          time.Time              `json:"savedAt"`
	PlanPath         string                 `json:"planPath"`
	ProjectRoot      string                 `json:"projectRoot,omitempty"`
	Paused           bool                   `json:"paused"`
	PauseReason      PauseReason            `json:"pauseReason,omitempty"`
	AutoRetry        RetryPolicy            `json:"autoRetry"`
	BlockerAutoPause bool                   `json:"blockerAutoPause"`
	Tasks            map[string]TaskRuntime `json:"tasks"`
	Issues           []*Issue               `json:"issues,omitempty"`
}

// TokenUsage accumulates token counts observed on a worker's stream.
type TokenUsage struct {
	InputTokens     int64 `json:"inputTokens"`
	OutputTokens    int64 `json:"outputTokens"`
	CacheReadTokens int64 `json:"cacheReadTokens"`
}

// Total returns the combined token count.
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Kilotokens renders the rounded kilo-token total used in progress lines.
func (u TokenUsage) Kilotokens() int64 {
	return (u.Total() + 500) / 1000
}
