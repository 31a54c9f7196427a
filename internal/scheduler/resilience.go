package scheduler

import (
	"fmt"
	"time"

	"github.com/harrison/autodev/internal/events"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/worker"
)

// escalateAPIError handles an attempt that died on API-level errors: rate
// limits, overload, quota. One worker hitting the limit means the rest are
// about to, so the whole run pauses, every worker is torn down, and a
// timer resumes the run after a growing backoff. The triggering task keeps
// a separate per-task budget so one poisoned task cannot burn the global
// one alone.
func (s *Scheduler) escalateAPIError(t *models.Task, res worker.Completion, modifiedCode bool) {
	cfg := s.cfg.APIError
	if t.APIErrorRetryCount >= cfg.MaxTaskRetries {
		dur := res.Duration
		s.log.LogError(fmt.Sprintf("task %s exhausted its API error retries", t.ID))
		s.failTerminal(t, &dur, "api error retries exhausted")
		return
	}
	t.APIErrorRetryCount++
	t.IsAPIErrorRecovery = true
	if modifiedCode {
		t.HasModifiedCode = true
	}
	s.setTaskStatus(t, models.StatusReady, nil)
	s.pause(models.PauseAPIError)
	s.killForRecovery()

	if s.apiAttempts >= cfg.MaxRetries {
		s.log.LogError("API error budget exhausted, resume manually once the API recovers")
		s.broker.Publish(events.APIError{TaskID: t.ID, Attempt: s.apiAttempts, NextRetryInMs: nil})
		return
	}
	s.apiAttempts++
	delay := s.apiErrorDelay(s.apiAttempts)
	ms := delay.Milliseconds()
	s.log.LogWarn(fmt.Sprintf("API error on task %s, backing off %s (attempt %d/%d)",
		t.ID, delay.Round(time.Second), s.apiAttempts, cfg.MaxRetries))
	s.broker.Publish(events.APIError{TaskID: t.ID, Attempt: s.apiAttempts, NextRetryInMs: &ms})
	s.apiResume = time.AfterFunc(delay, func() {
		s.enqueue(func() { s.resumeFromAPIError() })
	})
}

// killForRecovery tears down every live worker ahead of an API backoff.
// Their tasks return to ready carrying recovery marks so the next dispatch
// tells the agent its work may already be half done.
func (s *Scheduler) killForRecovery() {
	for _, w := range s.supervisor.Workers() {
		taskID := w.AssignedTaskID()
		if t, ok := s.plan.Task(taskID); ok {
			if w.HasModifiedCode() {
				t.HasModifiedCode = true
			}
			t.IsAPIErrorRecovery = true
			t.WorkerID = ""
			if t.Status == models.StatusRunning {
				s.setTaskStatus(t, models.StatusReady, nil)
			}
		}
		s.locks.Release(taskID, w.ID)
	}
	s.supervisor.KillAll("API error")
}

// resumeFromAPIError is the timer callback ending an API error pause. A
// user resume or a stop in the meantime wins.
func (s *Scheduler) resumeFromAPIError() {
	if !s.running || !s.paused || s.pauseReason != models.PauseAPIError {
		return
	}
	s.apiResume = nil
	s.paused = false
	s.pauseReason = models.PauseNone
	s.log.LogInfo("resuming after API error backoff")
	s.publishSchedulerState()
	s.requestSave()
	s.tick()
}

// apiErrorDelay is base·2^(attempt−1) widened by up to JitterRatio,
// capped at the configured maximum.
func (s *Scheduler) apiErrorDelay(attempt int) time.Duration {
	cfg := s.cfg.APIError
	base, max := cfg.BaseDelay(), cfg.MaxDelay()
	if base <= 0 {
		base = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			d = max
			break
		}
	}
	if cfg.JitterRatio > 0 {
		d = time.Duration(float64(d) * (1 + s.rng.Float64()*cfg.JitterRatio))
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}
