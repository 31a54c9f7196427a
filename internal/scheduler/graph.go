package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/harrison/autodev/internal/events"
	"github.com/harrison/autodev/internal/models"
)

// canExecute reports whether every dependency of t has succeeded.
// Dependencies naming no task in the plan never satisfy; validation
// surfaces them and the deadlock check stops runs they would wedge.
func canExecute(plan *models.Plan, t *models.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := plan.Task(dep)
		if !ok || d.Status != models.StatusSuccess {
			return false
		}
	}
	return true
}

// promotePendingToReady moves every pending task whose dependencies are
// all satisfied into the dispatchable pool.
func (s *Scheduler) promotePendingToReady() {
	for _, t := range s.plan.Tasks {
		if t.Status == models.StatusPending && canExecute(s.plan, t) {
			s.setTaskStatus(t, models.StatusReady, nil)
		}
	}
}

// promoteDueRetries returns failed tasks whose retry delay has elapsed to
// the graph. The stamp is cleared so the task reads as plain ready or
// pending instead of retry-pending.
func (s *Scheduler) promoteDueRetries(now time.Time) {
	for _, t := range s.plan.Tasks {
		if !t.RetryDue(now) || s.locks.Holder(t.ID) != "" {
			continue
		}
		t.NextRetryAt = 0
		if canExecute(s.plan, t) {
			s.setTaskStatus(t, models.StatusReady, nil)
		} else {
			s.setTaskStatus(t, models.StatusPending, nil)
		}
	}
}

// activeWave is the lowest wave holding a non-terminal task, 0 when every
// task settled.
func (s *Scheduler) activeWave() int {
	wave := 0
	for _, t := range s.plan.Tasks {
		if t.IsTerminal() {
			continue
		}
		if wave == 0 || t.Wave < wave {
			wave = t.Wave
		}
	}
	return wave
}

// findExecutableTasks returns the ready, unlocked, unassigned tasks of the
// active wave in id order, capped to the free worker slots.
func (s *Scheduler) findExecutableTasks() []*models.Task {
	slots := s.cfg.MaxParallel - s.supervisor.Active()
	if slots <= 0 {
		return nil
	}
	wave := s.activeWave()
	if wave == 0 {
		return nil
	}
	var out []*models.Task
	for _, t := range s.plan.Tasks {
		if t.Status != models.StatusReady || t.Wave != wave {
			continue
		}
		if t.WorkerID != "" || s.locks.Holder(t.ID) != "" {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > slots {
		out = out[:slots]
	}
	return out
}

// transitiveDependents collects every task reachable from rootID over
// reverse dependency edges.
func (s *Scheduler) transitiveDependents(rootID string) []*models.Task {
	children := make(map[string][]string, len(s.plan.Tasks))
	for _, t := range s.plan.Tasks {
		for _, dep := range t.DependsOn {
			children[dep] = append(children[dep], t.ID)
		}
	}
	var out []*models.Task
	seen := map[string]bool{rootID: true}
	queue := append([]string(nil), children[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := s.plan.Task(id); ok {
			out = append(out, t)
			queue = append(queue, children[id]...)
		}
	}
	return out
}

// cascadeFailure forces every non-terminal transitive dependent of t to
// failed with no retry. They can never see their dependency succeed
// without manual intervention, so leaving them pending would wedge the
// run.
func (s *Scheduler) cascadeFailure(t *models.Task) {
	for _, d := range s.transitiveDependents(t.ID) {
		if d.IsTerminal() || d.Status == models.StatusRunning {
			continue
		}
		d.NextRetryAt = 0
		s.log.LogWarn(fmt.Sprintf("task %s failed because dependency %s failed", d.ID, t.ID))
		s.setTaskStatus(d, models.StatusFailed, nil)
	}
}

// cascadeReset undoes a failure cascade after a manual retry of root:
// failed dependents rejoin the graph as ready or pending depending on
// whether their dependencies are satisfied.
func (s *Scheduler) cascadeReset(root *models.Task) {
	for _, d := range s.transitiveDependents(root.ID) {
		if d.Status != models.StatusFailed {
			continue
		}
		d.RetryCount = 0
		d.NextRetryAt = 0
		d.APIErrorRetryCount = 0
		if canExecute(s.plan, d) {
			s.setTaskStatus(d, models.StatusReady, nil)
		} else {
			s.setTaskStatus(d, models.StatusPending, nil)
		}
	}
}

// anyRetryPending reports whether any task has a scheduled auto-retry.
func (s *Scheduler) anyRetryPending() bool {
	for _, t := range s.plan.Tasks {
		if t.RetryPending() {
			return true
		}
	}
	return false
}

// allTerminal reports whether every task settled.
func (s *Scheduler) allTerminal() bool {
	for _, t := range s.plan.Tasks {
		if !t.IsTerminal() {
			return false
		}
	}
	return true
}

// progressCounts summarizes the graph by status.
func (s *Scheduler) progressCounts() events.Progress {
	p := events.Progress{Total: len(s.plan.Tasks)}
	for _, t := range s.plan.Tasks {
		switch t.Status {
		case models.StatusPending:
			p.Pending++
		case models.StatusReady:
			p.Ready++
		case models.StatusRunning:
			p.Running++
		case models.StatusSuccess:
			p.Succeeded++
		case models.StatusFailed:
			p.Failed++
		case models.StatusCanceled:
			p.Canceled++
		}
	}
	p.ActiveWave = s.activeWave()
	return p
}

// checkWaveComplete fires the wave hook once, when the last task of a
// wave goes terminal.
func (s *Scheduler) checkWaveComplete(wave int) {
	if s.firedWaves[wave] {
		return
	}
	for _, t := range s.plan.Tasks {
		if t.Wave == wave && !t.IsTerminal() {
			return
		}
	}
	s.firedWaves[wave] = true
	s.log.LogInfo(fmt.Sprintf("wave %d complete", wave))
	if s.waveHook != nil {
		go s.waveHook(wave)
	}
}
