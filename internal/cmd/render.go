package cmd

import (
	"fmt"
	"time"

	"github.com/harrison/autodev/internal/events"
	"github.com/harrison/autodev/internal/logger"
)

// teeLogger fans log lines to the console and, when open, the run log. It
// satisfies every Logger/WarnLogger surface the engine packages declare.
type teeLogger struct {
	console *logger.ConsoleLogger
	file    *logger.FileLogger
}

func (l *teeLogger) LogTrace(message string) {
	l.console.LogTrace(message)
	if l.file != nil {
		l.file.LogTrace(message)
	}
}

func (l *teeLogger) LogDebug(message string) {
	l.console.LogDebug(message)
	if l.file != nil {
		l.file.LogDebug(message)
	}
}

func (l *teeLogger) LogInfo(message string) {
	l.console.LogInfo(message)
	if l.file != nil {
		l.file.LogInfo(message)
	}
}

func (l *teeLogger) LogWarn(message string) {
	l.console.LogWarn(message)
	if l.file != nil {
		l.file.LogWarn(message)
	}
}

func (l *teeLogger) LogError(message string) {
	l.console.LogError(message)
	if l.file != nil {
		l.file.LogError(message)
	}
}

// renderEvent converts one bus event into console/run-log lines.
func (l *teeLogger) renderEvent(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.FileLoaded:
		l.LogInfo(fmt.Sprintf("Plan loaded: %d task(s) across %d wave(s)", p.TaskCount, p.WaveCount))

	case events.TaskUpdate:
		l.console.LogTaskResult(p.Task)
		if l.file != nil {
			l.file.LogTaskResult(p.Task)
		}

	case events.WorkerLog:
		l.console.LogWorkerLine(p.WorkerID, p.TaskID, p.Text)
		if l.file != nil {
			l.file.LogTrace(fmt.Sprintf("[%s %s] %s", p.WorkerID, p.TaskID, p.Text))
		}

	case events.WorkerState:
		line := fmt.Sprintf("Worker %s %s", p.WorkerID, p.State)
		if p.TaskID != "" {
			line += fmt.Sprintf(" (task %s)", p.TaskID)
		}
		if kt := p.Usage.Kilotokens(); kt > 0 {
			line += fmt.Sprintf(" [%dk tokens]", kt)
		}
		l.LogDebug(line)

	case events.SchedulerState:
		switch {
		case p.Paused:
			l.LogWarn(fmt.Sprintf("Scheduler paused (%s)", p.PauseReason))
		case p.Running:
			l.LogInfo("Scheduler running")
		default:
			l.LogInfo("Scheduler stopped")
		}

	case events.Progress:
		done := p.Succeeded + p.Failed + p.Canceled
		line := fmt.Sprintf("Progress: %d/%d done, %d running, %d ready", done, p.Total, p.Running, p.Ready)
		if p.Failed > 0 {
			line += fmt.Sprintf(", %d failed", p.Failed)
		}
		if p.ActiveWave > 0 {
			line += fmt.Sprintf(" (wave %d)", p.ActiveWave)
		}
		l.LogDebug(line)

	case events.IssueReported:
		verb := "reported"
		if p.Merged {
			verb = fmt.Sprintf("seen x%d", p.Issue.Occurrences)
		}
		l.LogWarn(fmt.Sprintf("Issue [%s] %s (%s)", p.Issue.Severity, p.Issue.Title, verb))

	case events.IssueUpdate:
		l.LogInfo(fmt.Sprintf("Issue %s marked %s: %s", p.Issue.ID, p.Issue.Status, p.Issue.Title))

	case events.BlockerAutoPause:
		l.LogWarn(fmt.Sprintf("Paused on blocker issue %q; %d blocker(s) open. Resolve or ignore them, then resume.",
			p.Issue.Title, p.OpenBlockers))

	case events.APIError:
		if p.NextRetryInMs == nil {
			l.LogError(fmt.Sprintf("API error on task %s: retry budget exhausted, run stays paused", p.TaskID))
			return
		}
		delay := time.Duration(*p.NextRetryInMs) * time.Millisecond
		l.LogWarn(fmt.Sprintf("API error on task %s (attempt %d); resuming in %s", p.TaskID, p.Attempt, delay.Round(time.Second)))
	}
}
