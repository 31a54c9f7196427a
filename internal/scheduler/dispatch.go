package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/harrison/autodev/internal/events"
	"github.com/harrison/autodev/internal/history"
	"github.com/harrison/autodev/internal/logarchive"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/worker"
)

// tick is one scheduling pass: promote what became dispatchable, detect
// the run ending or wedging, fill free worker slots, and report progress.
func (s *Scheduler) tick() {
	if !s.running {
		return
	}
	s.promoteDueRetries(time.Now())
	s.promotePendingToReady()

	if s.allTerminal() {
		if s.progressCounts().Failed > 0 {
			s.finish(OutcomeFailed)
		} else {
			s.finish(OutcomeSuccess)
		}
		return
	}
	if !s.paused {
		executable := s.findExecutableTasks()
		if len(executable) == 0 && s.supervisor.Active() == 0 && !s.anyRetryPending() {
			s.log.LogError("no task can make progress and no worker is active, stopping")
			s.finish(OutcomeDeadlock)
			return
		}
		for _, t := range executable {
			s.startWorker(t)
		}
	}
	s.broker.Publish(s.progressCounts())
}

// startWorker spawns a worker on t. Integration tasks receive the current
// issue digest in their prompt. A spawn failure counts as a failed attempt
// and goes through the normal retry policy.
func (s *Scheduler) startWorker(t *models.Task) {
	req := worker.SpawnRequest{Task: t, PlanPath: s.planPath}
	if t.IsIntegration() {
		req.IssuesDigest = s.issues.Digest()
	}
	w, err := s.supervisor.Spawn(req)
	if err != nil {
		s.log.LogWarn(fmt.Sprintf("failed to start worker for task %s: %v", t.ID, err))
		reason := fmt.Sprintf("worker spawn failed: %v", err)
		s.recordAttempt(t, "", t.RetryCount+1, models.StatusFailed, reason, 0, models.TokenUsage{})
		s.failTask(t, worker.Completion{Reason: reason}, false)
		return
	}
	now := time.Now()
	t.WorkerID = w.ID
	t.StartTime = &now
	t.EndTime = nil
	t.DurationSecs = 0
	s.setTaskStatus(t, models.StatusRunning, nil)
	if s.archiver != nil {
		s.archiver.StartTaskLog(t.ID)
	}
	if s.monitor != nil {
		s.monitor.Register(w.ID, t.ID, w)
	}
	s.broker.Publish(events.WorkerState{WorkerID: w.ID, TaskID: t.ID, State: events.WorkerSpawned})
	s.requestSave()
}

// onComplete consumes a worker's terminal report. The log buffer is
// archived unconditionally; the outcome is only trusted while the worker
// still holds the task lock, so reports racing a stop or a restart cannot
// clobber state the scheduler already reassigned.
func (s *Scheduler) onComplete(workerID, taskID string, res worker.Completion) {
	var (
		buf      []logarchive.Entry
		usage    models.TokenUsage
		modified bool
		killed   bool
	)
	if w := s.supervisor.Get(workerID); w != nil {
		buf = w.LogBuffer()
		usage = w.Usage()
		modified = w.HasModifiedCode()
		killed = w.Killed()
	}
	s.supervisor.Remove(workerID)
	if s.monitor != nil {
		s.monitor.Unregister(workerID)
	}
	if s.archiver != nil && len(buf) > 0 {
		s.archiver.ArchiveWorkerBuffer(taskID, buf)
	}

	if s.locks.Holder(taskID) != workerID {
		s.log.LogInfo(fmt.Sprintf("ignoring stale completion from %s for task %s", workerID, taskID))
		return
	}
	s.locks.Release(taskID, workerID)

	t, ok := s.plan.Task(taskID)
	if !ok {
		return
	}
	t.WorkerID = ""

	state := events.WorkerFailed
	switch {
	case res.Success:
		state = events.WorkerCompleted
	case killed:
		state = events.WorkerKilled
	}
	s.broker.Publish(events.WorkerState{WorkerID: workerID, TaskID: taskID, State: state, Usage: usage})

	attempt := t.RetryCount + 1
	if res.Success {
		s.recordAttempt(t, workerID, attempt, models.StatusSuccess, "", res.Duration, usage)
		s.succeedTask(t, res)
	} else {
		reason := res.Reason
		if reason == "" {
			reason = "task failed"
		}
		s.recordAttempt(t, workerID, attempt, models.StatusFailed, reason, res.Duration, usage)
		s.failTask(t, res, modified)
	}
	s.requestSave()
	s.tick()
}

// succeedTask settles t as success: retry state clears, the plan file
// checkbox flips to [x].
func (s *Scheduler) succeedTask(t *models.Task, res worker.Completion) {
	t.RetryCount = 0
	t.NextRetryAt = 0
	t.APIErrorRetryCount = 0
	t.IsAPIErrorRecovery = false
	t.HasModifiedCode = false
	dur := res.Duration
	s.setTaskStatus(t, models.StatusSuccess, &dur)
	s.log.LogInfo(fmt.Sprintf("task %s succeeded in %s", t.ID, dur.Round(time.Second)))
	if s.writeback != nil {
		s.writeback.UpdateTaskCheckbox(s.planPath, t.ID, true)
	}
}

// failTask applies the retry policy to a failed attempt. API-level errors
// escalate to the run-wide recovery flow instead.
func (s *Scheduler) failTask(t *models.Task, res worker.Completion, modifiedCode bool) {
	if res.APIError {
		s.escalateAPIError(t, res, modifiedCode)
		return
	}
	reason := res.Reason
	if reason == "" {
		reason = "task failed"
	}
	dur := res.Duration
	pol := s.cfg.AutoRetry
	if pol.Enabled && t.RetryCount < pol.MaxRetries {
		t.RetryCount++
		delay := retryDelay(pol.BaseDelay(), pol.MaxDelay(), t.RetryCount, s.rng)
		t.NextRetryAt = time.Now().Add(delay).UnixMilli()
		s.setTaskStatus(t, models.StatusFailed, &dur)
		s.log.LogWarn(fmt.Sprintf("task %s failed (%s), retry %d/%d in %s",
			t.ID, reason, t.RetryCount, pol.MaxRetries, delay.Round(time.Millisecond)))
		return
	}
	s.failTerminal(t, &dur, reason)
}

// failTerminal settles t as failed with no retry: the checkbox flips to
// the failure mark and every dependent that can no longer run cascades.
func (s *Scheduler) failTerminal(t *models.Task, dur *time.Duration, reason string) {
	t.NextRetryAt = 0
	s.setTaskStatus(t, models.StatusFailed, dur)
	s.log.LogError(fmt.Sprintf("task %s failed permanently: %s", t.ID, reason))
	if s.writeback != nil {
		s.writeback.UpdateTaskCheckbox(s.planPath, t.ID, false)
	}
	s.cascadeFailure(t)
}

// setTaskStatus applies a status transition, stamps end bookkeeping when
// an attempt duration is known, publishes the task snapshot, and checks
// the task's wave on terminal transitions.
func (s *Scheduler) setTaskStatus(t *models.Task, status models.TaskStatus, dur *time.Duration) {
	t.Status = status
	if dur != nil {
		now := time.Now()
		t.EndTime = &now
		t.DurationSecs = int64(dur.Seconds())
	}
	s.broker.Publish(events.TaskUpdate{Task: t.Clone()})
	if t.IsTerminal() {
		s.checkWaveComplete(t.Wave)
	}
}

// recordAttempt writes one attempt row to the history store.
func (s *Scheduler) recordAttempt(t *models.Task, workerID string, attempt int, status models.TaskStatus, reason string, dur time.Duration, usage models.TokenUsage) {
	if s.history == nil {
		return
	}
	rec := &history.Attempt{
		RunID:         s.runID,
		TaskID:        t.ID,
		TaskName:      t.Title,
		WorkerID:      workerID,
		Agent:         s.cfg.Agent.Command,
		Number:        attempt,
		Status:        status,
		FailureReason: reason,
		Duration:      dur,
		Usage:         usage,
	}
	if err := s.history.RecordAttempt(context.Background(), rec); err != nil {
		s.log.LogWarn(fmt.Sprintf("failed to record attempt for task %s: %v", t.ID, err))
	}
}

// retryDelay computes attempt backoff: the base doubled per prior attempt
// plus a uniform jitter in [0, base), capped at max.
func retryDelay(base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	d += time.Duration(rng.Int63n(int64(base)))
	if max > 0 && d > max {
		d = max
	}
	return d
}
