// Package events defines the consumer-visible event vocabulary of the
// scheduler and the broker that fans events out to subscribers.
//
// Internally the scheduler works with typed payload structs; the broker
// wraps them in an Event envelope carrying the wire name and timestamp, so
// consumers can switch on Type or type-assert Payload.
package events

import (
	"time"

	"github.com/harrison/autodev/internal/models"
)

// EventType is the consumer-visible event name.
type EventType string

const (
	TypeFileLoaded       EventType = "fileLoaded"
	TypeTaskUpdate       EventType = "taskUpdate"
	TypeWorkerLog        EventType = "workerLog"
	TypeWorkerState      EventType = "workerState"
	TypeSchedulerState   EventType = "schedulerState"
	TypeProgress         EventType = "progress"
	TypeIssueReported    EventType = "issueReported"
	TypeIssueUpdate      EventType = "issueUpdate"
	TypeBlockerAutoPause EventType = "blockerAutoPause"
	TypeAPIError         EventType = "apiError"
)

// Payload is implemented by every event payload struct.
type Payload interface {
	EventType() EventType
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Type      EventType
	Payload   Payload
	Timestamp time.Time
}

// FileLoaded announces a successfully parsed plan. It precedes any
// TaskUpdate for the tasks it defines.
type FileLoaded struct {
	PlanPath  string
	TaskCount int
	WaveCount int
}

func (FileLoaded) EventType() EventType { return TypeFileLoaded }

// TaskUpdate carries a snapshot of a task after a status or runtime change.
type TaskUpdate struct {
	Task *models.Task
}

func (TaskUpdate) EventType() EventType { return TypeTaskUpdate }

// WorkerLog is one log line attributed to a worker.
type WorkerLog struct {
	WorkerID string
	TaskID   string
	Kind     string // "system", "text", "tool", "stderr"
	Text     string
}

func (WorkerLog) EventType() EventType { return TypeWorkerLog }

// WorkerStateKind enumerates worker lifecycle states surfaced to consumers.
type WorkerStateKind string

const (
	WorkerSpawned   WorkerStateKind = "spawned"
	WorkerRunning   WorkerStateKind = "running"
	WorkerCompleted WorkerStateKind = "completed"
	WorkerFailed    WorkerStateKind = "failed"
	WorkerKilled    WorkerStateKind = "killed"
)

// WorkerState reports a worker lifecycle transition plus its current
// observables.
type WorkerState struct {
	WorkerID    string
	TaskID      string
	State       WorkerStateKind
	Usage       models.TokenUsage
	CurrentTool string
}

func (WorkerState) EventType() EventType { return TypeWorkerState }

// SchedulerState reports running/paused transitions.
type SchedulerState struct {
	Running     bool
	Paused      bool
	PauseReason models.PauseReason
}

func (SchedulerState) EventType() EventType { return TypeSchedulerState }

// Progress summarizes the graph after each tick.
type Progress struct {
	Total      int
	Pending    int
	Ready      int
	Running    int
	Succeeded  int
	Failed     int
	Canceled   int
	ActiveWave int // 0 when every task is terminal
}

func (Progress) EventType() EventType { return TypeProgress }

// IssueReported announces a new or merged issue.
type IssueReported struct {
	Issue *models.Issue
	// Merged is true when the report deduplicated into an existing issue.
	Merged bool
}

func (IssueReported) EventType() EventType { return TypeIssueReported }

// IssueUpdate announces a manual status change on an issue.
type IssueUpdate struct {
	Issue *models.Issue
}

func (IssueUpdate) EventType() EventType { return TypeIssueUpdate }

// BlockerAutoPause announces the scheduler pausing on a blocker issue.
type BlockerAutoPause struct {
	Issue        *models.Issue
	OpenBlockers int
}

func (BlockerAutoPause) EventType() EventType { return TypeBlockerAutoPause }

// APIError announces an API-level failure and the recovery schedule.
// NextRetryInMs is nil when the global retry budget is exhausted and the
// scheduler stays paused awaiting user action.
type APIError struct {
	TaskID        string
	Attempt       int
	NextRetryInMs *int64
}

func (APIError) EventType() EventType { return TypeAPIError }
