// Package scheduler is the coordination core: it owns the task graph, the
// worker pool, and every piece of runtime state attached to a run.
//
// All of that state lives behind one coordinator goroutine fed by a
// command channel. Public methods marshal onto that goroutine, worker
// callbacks queue onto it, and a periodic tick drives promotion, dispatch,
// and completion detection, so no mutation ever races another. Log and
// usage traffic from workers bypasses the loop and goes straight to the
// event broker and log archiver, which are concurrency safe.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/events"
	"github.com/harrison/autodev/internal/history"
	"github.com/harrison/autodev/internal/issues"
	"github.com/harrison/autodev/internal/logarchive"
	"github.com/harrison/autodev/internal/logger"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/parser"
	"github.com/harrison/autodev/internal/session"
	"github.com/harrison/autodev/internal/watchdog"
	"github.com/harrison/autodev/internal/worker"
	"github.com/harrison/autodev/internal/writeback"
)

// Run outcomes reported by Outcome after Done closes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeDeadlock = "deadlock"
	OutcomeStopped  = "stopped"
)

var (
	// ErrNoPlan is returned when an operation needs a loaded plan.
	ErrNoPlan = errors.New("no plan loaded")
	// ErrAlreadyRunning is returned by Start and LoadFile mid-run.
	ErrAlreadyRunning = errors.New("scheduler is already running")
	// ErrNotRunning is returned by operations that need a live run.
	ErrNotRunning = errors.New("scheduler is not running")
	// ErrFinished is returned by Start after a run ended; a scheduler
	// drives at most one run.
	ErrFinished = errors.New("run already finished")
	// ErrOpenBlockers refuses a resume while blocker issues stay open and
	// blocker auto-pause is enabled.
	ErrOpenBlockers = errors.New("open blocker issues prevent resuming")
	// ErrCyclicDependencies refuses a plan whose dependency graph loops.
	ErrCyclicDependencies = errors.New("plan has cyclic dependencies")
	// ErrClosed is returned once the coordinator loop shut down.
	ErrClosed = errors.New("scheduler is closed")
)

// InvalidInputError reports a request naming a task, worker, or issue the
// engine cannot act on.
type InvalidInputError struct {
	Op     string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Logger is the console surface of the engine.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
}

// WorkerMonitor receives live workers for liveness oversight. The
// watchdog implements it; nil disables oversight.
type WorkerMonitor interface {
	Register(workerID, taskID string, probe watchdog.WorkerProbe)
	Unregister(workerID string)
}

// Options wires the engine's collaborators. Config is required; every
// other field has a workable zero value.
type Options struct {
	Config      *config.Config
	ProjectRoot string

	Parser    *parser.PlanParser
	Broker    *events.Broker
	Session   *session.Store
	Archiver  *logarchive.Archiver
	Writeback *writeback.Queue
	Issues    *issues.Tracker
	Monitor   WorkerMonitor
	History   *history.Store
	Logger    Logger

	// OnWaveComplete fires once per wave, on its own goroutine, when the
	// last task of the wave reaches a terminal status.
	OnWaveComplete func(wave int)
}

// Scheduler drives one plan through a pool of agent workers.
type Scheduler struct {
	cfg         *config.Config
	projectRoot string
	parser      *parser.PlanParser
	broker      *events.Broker
	session     *session.Store
	archiver    *logarchive.Archiver
	writeback   *writeback.Queue
	issues      *issues.Tracker
	monitor     WorkerMonitor
	history     *history.Store
	log         Logger
	waveHook    func(int)

	locks      *lockTable
	supervisor *worker.Supervisor
	rng        *rand.Rand

	cmds      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	// Everything below is owned by the coordinator goroutine.
	plan        *models.Plan
	planPath    string
	running     bool
	finished    bool
	paused      bool
	pauseReason models.PauseReason
	outcome     string
	runID       string
	apiAttempts int
	apiResume   *time.Timer
	firedWaves  map[int]bool
}

// New builds a scheduler and starts its coordinator loop. Call Close when
// done with it; Close does not stop a live run's workers, Stop does.
func New(opts Options) *Scheduler {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	broker := opts.Broker
	if broker == nil {
		broker = events.NewBroker()
	}
	tracker := opts.Issues
	if tracker == nil {
		tracker = issues.NewTracker()
	}
	pp := opts.Parser
	if pp == nil {
		pp = parser.NewPlanParser(log)
	}
	s := &Scheduler{
		cfg:         cfg,
		projectRoot: opts.ProjectRoot,
		parser:      pp,
		broker:      broker,
		session:     opts.Session,
		archiver:    opts.Archiver,
		writeback:   opts.Writeback,
		issues:      tracker,
		monitor:     opts.Monitor,
		history:     opts.History,
		log:         log,
		waveHook:    opts.OnWaveComplete,
		locks:       newLockTable(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		cmds:        make(chan func(), 256),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
		firedWaves:  make(map[int]bool),
	}
	s.supervisor = worker.NewSupervisor(cfg, opts.ProjectRoot, s.locks, sink{s}, log)
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	interval := s.cfg.TickInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.cmds:
			fn()
		case <-ticker.C:
			s.tick()
		}
	}
}

// enqueue queues fn for the coordinator goroutine without waiting.
func (s *Scheduler) enqueue(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.closed:
	}
}

// do runs fn on the coordinator goroutine and waits for it.
func (s *Scheduler) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.closed:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

// Close shuts the coordinator loop down. Pending commands are dropped;
// call Stop first for a graceful teardown of a live run.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Done closes when the run reaches an outcome.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// SetCommandBuilder overrides how worker commands are constructed.
func (s *Scheduler) SetCommandBuilder(build worker.CommandBuilder) {
	s.supervisor.SetCommandBuilder(build)
}

// LoadFile parses the plan at path and installs it as the run's graph.
// With resume enabled in config, a matching session snapshot rehydrates
// task runtime state and open issues. Loading is refused mid-run.
func (s *Scheduler) LoadFile(path string) error {
	var err error
	if derr := s.do(func() { err = s.loadFile(path) }); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) loadFile(path string) error {
	if s.running {
		return ErrAlreadyRunning
	}
	plan, err := s.parser.Parse(path)
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}
	if plan.HasCyclicDependencies() {
		return ErrCyclicDependencies
	}
	s.plan = plan
	s.planPath = path
	s.firedWaves = make(map[int]bool)
	if s.session != nil {
		s.session.Invalidate()
	}

	if s.cfg.Resume && s.session != nil {
		snap, lerr := s.session.Load(path)
		if lerr != nil {
			s.log.LogWarn(fmt.Sprintf("failed to load session: %v", lerr))
		} else if snap != nil {
			restored := session.Hydrate(plan, snap)
			s.paused = snap.Paused
			s.pauseReason = snap.PauseReason
			s.issues.Restore(snap.Issues)
			if restored > 0 {
				s.log.LogInfo(fmt.Sprintf("restored %d task(s) from session", restored))
			}
		}
	}
	// A "~" checkbox parses as running, but no worker exists yet.
	for _, t := range plan.Tasks {
		if t.Status == models.StatusRunning {
			t.Status = models.StatusReady
			t.WorkerID = ""
		}
	}

	s.publishPlan()
	return nil
}

// publishPlan announces the active graph: fileLoaded first, then one
// taskUpdate per task in id order.
func (s *Scheduler) publishPlan() {
	waves := make(map[int]bool)
	for _, t := range s.plan.Tasks {
		waves[t.Wave] = true
	}
	s.broker.Publish(events.FileLoaded{
		PlanPath:  s.planPath,
		TaskCount: len(s.plan.Tasks),
		WaveCount: len(waves),
	})
	for _, id := range s.plan.TaskIDs() {
		if t, ok := s.plan.Task(id); ok {
			s.broker.Publish(events.TaskUpdate{Task: t.Clone()})
		}
	}
}

// ReloadPlan reparses the plan file and merges it over the live graph.
// Terminal checkbox marks in the file win both ways, mirroring session
// hydration; runtime state of known tasks survives, and a task deleted
// from the file while running is carried until its worker reports.
func (s *Scheduler) ReloadPlan() error {
	var err error
	if derr := s.do(func() { err = s.reloadPlan() }); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) reloadPlan() error {
	if s.plan == nil {
		return ErrNoPlan
	}
	plan, err := s.parser.Parse(s.planPath)
	if err != nil {
		return fmt.Errorf("failed to reload plan: %w", err)
	}
	if plan.HasCyclicDependencies() {
		return ErrCyclicDependencies
	}
	for _, old := range s.plan.Tasks {
		nt, ok := plan.Task(old.ID)
		if !ok {
			if old.Status == models.StatusRunning {
				s.log.LogWarn(fmt.Sprintf("task %s removed from plan while running, keeping until completion", old.ID))
				plan.Tasks = append(plan.Tasks, old)
			}
			continue
		}
		if nt.IsTerminal() {
			// The file's own mark wins, the user may have checked it.
			continue
		}
		if old.IsTerminal() {
			// File reopened a settled task: start it over from the
			// file's state.
			continue
		}
		models.ApplyRuntime(nt, models.RuntimeOf(old))
		nt.WorkerID = old.WorkerID
	}
	s.plan = plan
	s.log.LogInfo(fmt.Sprintf("plan reloaded: %d task(s)", len(plan.Tasks)))
	s.publishPlan()
	s.requestSave()
	if s.running {
		s.tick()
	}
	return nil
}

// Start begins executing the loaded plan.
func (s *Scheduler) Start() error {
	var err error
	if derr := s.do(func() { err = s.start() }); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) start() error {
	if s.plan == nil {
		return ErrNoPlan
	}
	if s.running {
		return ErrAlreadyRunning
	}
	if s.finished {
		return ErrFinished
	}
	s.running = true
	s.outcome = ""
	s.runID = uuid.NewString()
	if s.history != nil {
		if err := s.history.BeginRun(context.Background(), s.runID, s.planPath, len(s.plan.Tasks)); err != nil {
			s.log.LogWarn(fmt.Sprintf("failed to begin history run: %v", err))
		}
	}
	s.log.LogInfo(fmt.Sprintf("run started: %d task(s), up to %d in parallel", len(s.plan.Tasks), s.cfg.MaxParallel))
	s.publishSchedulerState()
	s.tick()
	return nil
}

// Pause suspends dispatch. Running workers continue; no new ones start.
func (s *Scheduler) Pause() error {
	var err error
	if derr := s.do(func() {
		if !s.running {
			err = ErrNotRunning
			return
		}
		s.pause(models.PauseUser)
	}); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) pause(reason models.PauseReason) {
	if s.paused && s.pauseReason == reason {
		return
	}
	s.paused = true
	s.pauseReason = reason
	s.log.LogWarn(fmt.Sprintf("scheduler paused (%s)", reason))
	s.publishSchedulerState()
	s.requestSave()
}

// Resume lifts a pause. While blocker auto-pause is enabled and blocker
// issues remain open, resuming is refused with ErrOpenBlockers.
func (s *Scheduler) Resume() error {
	var err error
	if derr := s.do(func() { err = s.resume() }); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) resume() error {
	if !s.running {
		return ErrNotRunning
	}
	if !s.paused {
		return nil
	}
	if s.cfg.BlockerAutoPause && len(s.issues.GetOpenBlockers()) > 0 {
		return ErrOpenBlockers
	}
	if s.apiResume != nil {
		s.apiResume.Stop()
		s.apiResume = nil
	}
	s.paused = false
	s.pauseReason = models.PauseNone
	s.log.LogInfo("scheduler resumed")
	s.publishSchedulerState()
	s.requestSave()
	s.tick()
	return nil
}

// Stop ends the run: locks release, running tasks return to ready, the
// worker pool is killed, and buffered work flushes. Late completions from
// the killed workers archive their logs but change no task state.
func (s *Scheduler) Stop() error {
	var (
		workers []*worker.Worker
		err     error
	)
	if derr := s.do(func() { workers, err = s.stop() }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-time.After(10 * time.Second):
			s.log.LogWarn(fmt.Sprintf("worker %s did not exit in time", w.ID))
		}
	}
	return s.Flush()
}

func (s *Scheduler) stop() ([]*worker.Worker, error) {
	if !s.running {
		return nil, ErrNotRunning
	}
	s.log.LogInfo("stopping run")
	workers := s.supervisor.Workers()
	for _, w := range workers {
		taskID := w.AssignedTaskID()
		if t, ok := s.plan.Task(taskID); ok {
			if w.HasModifiedCode() {
				t.HasModifiedCode = true
			}
			t.WorkerID = ""
			if t.Status == models.StatusRunning {
				s.setTaskStatus(t, models.StatusReady, nil)
			}
		}
		s.locks.Release(taskID, w.ID)
	}
	s.supervisor.KillAll("Kill by user")
	s.finish(OutcomeStopped)
	return workers, nil
}

// finish ends the run once with the given outcome.
func (s *Scheduler) finish(outcome string) {
	if !s.running {
		return
	}
	s.running = false
	s.finished = true
	s.outcome = outcome
	s.paused = false
	s.pauseReason = models.PauseNone
	if s.apiResume != nil {
		s.apiResume.Stop()
		s.apiResume = nil
	}
	p := s.progressCounts()
	if s.history != nil && s.runID != "" {
		if err := s.history.FinishRun(context.Background(), s.runID, outcome, p.Succeeded, p.Failed); err != nil {
			s.log.LogWarn(fmt.Sprintf("failed to finish history run: %v", err))
		}
	}
	s.log.LogInfo(fmt.Sprintf("run finished: %s (%d succeeded, %d failed)", outcome, p.Succeeded, p.Failed))
	s.publishSchedulerState()
	s.broker.Publish(p)
	s.saveNow()
	s.doneOnce.Do(func() { close(s.done) })
}

// Flush forces buffered session, log, and checkbox writes to disk.
func (s *Scheduler) Flush() error {
	return s.do(func() {
		if s.session != nil {
			s.session.Flush()
		}
		if s.archiver != nil {
			s.archiver.Flush()
		}
		if s.writeback != nil {
			s.writeback.Flush()
		}
	})
}

// RetryTask clears a failed task's retry budget and returns it to the
// graph, pulling cascade-failed dependents back with it. It works between
// LoadFile and Start too, so a restored failed task can be re-armed.
func (s *Scheduler) RetryTask(id string) error {
	var err error
	if derr := s.do(func() { err = s.retryTask(id) }); derr != nil {
		return derr
	}
	return err
}

func (s *Scheduler) retryTask(id string) error {
	if s.plan == nil {
		return ErrNoPlan
	}
	t, ok := s.plan.Task(id)
	if !ok {
		return &InvalidInputError{Op: "retry task", Reason: fmt.Sprintf("unknown task %q", id)}
	}
	if t.Status != models.StatusFailed {
		return &InvalidInputError{Op: "retry task", Reason: fmt.Sprintf("task %s is %s, only failed tasks retry", t.ID, t.Status)}
	}
	t.RetryCount = 0
	t.NextRetryAt = 0
	t.APIErrorRetryCount = 0
	if canExecute(s.plan, t) {
		s.setTaskStatus(t, models.StatusReady, nil)
	} else {
		s.setTaskStatus(t, models.StatusPending, nil)
	}
	s.cascadeReset(t)
	s.requestSave()
	if s.running {
		s.tick()
	}
	return nil
}

// KillWorker kills one worker on user request. Its task fails with
// "Kill by user" and follows the normal retry policy.
func (s *Scheduler) KillWorker(workerID string) error {
	var err error
	if derr := s.do(func() {
		if s.supervisor.Get(workerID) == nil {
			err = &InvalidInputError{Op: "kill worker", Reason: fmt.Sprintf("unknown worker %q", workerID)}
			return
		}
		s.supervisor.Kill(workerID, "Kill by user")
	}); derr != nil {
		return derr
	}
	return err
}

// RestartWorker kills a worker on behalf of the watchdog. The task fails
// with the given reason and auto-retry brings it back.
func (s *Scheduler) RestartWorker(workerID, reason string) {
	s.enqueue(func() {
		if s.supervisor.Get(workerID) == nil {
			return
		}
		s.log.LogWarn(fmt.Sprintf("restarting worker %s: %s", workerID, reason))
		s.supervisor.Kill(workerID, reason)
	})
}

// ReportIssue files an issue on behalf of an out-of-band reporter such as
// a wave check, with the same dedup and blocker handling as worker
// reports.
func (s *Scheduler) ReportIssue(report *issues.Report, reporterTaskID string) (*models.Issue, bool, error) {
	var (
		issue  *models.Issue
		merged bool
	)
	if derr := s.do(func() { issue, merged = s.reportIssue(report, reporterTaskID, "") }); derr != nil {
		return nil, false, derr
	}
	return issue, merged, nil
}

func (s *Scheduler) reportIssue(report *issues.Report, taskID, workerID string) (*models.Issue, bool) {
	issue, merged := s.issues.Add(report, taskID, workerID)
	s.broker.Publish(events.IssueReported{Issue: issue, Merged: merged})
	if s.cfg.BlockerAutoPause && s.running && !s.paused &&
		issue.Severity == models.SeverityBlocker && issue.Status == models.IssueOpen {
		open := len(s.issues.GetOpenBlockers())
		s.pause(models.PauseBlocker)
		s.broker.Publish(events.BlockerAutoPause{Issue: issue, OpenBlockers: open})
	}
	s.requestSave()
	return issue, merged
}

// UpdateIssueStatus transitions an issue and publishes the change.
func (s *Scheduler) UpdateIssueStatus(id string, status models.IssueStatus) error {
	var err error
	if derr := s.do(func() {
		issue, ok := s.issues.UpdateStatus(id, status)
		if !ok {
			err = &InvalidInputError{Op: "update issue", Reason: fmt.Sprintf("unknown issue %q", id)}
			return
		}
		s.broker.Publish(events.IssueUpdate{Issue: issue})
		s.requestSave()
	}); derr != nil {
		return derr
	}
	return err
}

// Tasks returns snapshots of every task, sorted by id.
func (s *Scheduler) Tasks() []*models.Task {
	var out []*models.Task
	s.do(func() {
		if s.plan == nil {
			return
		}
		for _, id := range s.plan.TaskIDs() {
			if t, ok := s.plan.Task(id); ok {
				out = append(out, t.Clone())
			}
		}
	})
	return out
}

// TaskSnapshot returns a copy of one task.
func (s *Scheduler) TaskSnapshot(id string) (*models.Task, bool) {
	var (
		t  *models.Task
		ok bool
	)
	s.do(func() {
		if s.plan == nil {
			return
		}
		var live *models.Task
		if live, ok = s.plan.Task(id); ok {
			t = live.Clone()
		}
	})
	return t, ok
}

// Progress returns the current graph counts.
func (s *Scheduler) Progress() events.Progress {
	var p events.Progress
	s.do(func() {
		if s.plan != nil {
			p = s.progressCounts()
		}
	})
	return p
}

// IsRunning reports whether a run is live.
func (s *Scheduler) IsRunning() bool {
	var v bool
	s.do(func() { v = s.running })
	return v
}

// IsPaused reports the pause state and its reason.
func (s *Scheduler) IsPaused() (bool, models.PauseReason) {
	var (
		paused bool
		reason models.PauseReason
	)
	s.do(func() { paused, reason = s.paused, s.pauseReason })
	return paused, reason
}

// Outcome returns the run outcome once Done closed, "" before.
func (s *Scheduler) Outcome() string {
	var v string
	s.do(func() { v = s.outcome })
	return v
}

func (s *Scheduler) publishSchedulerState() {
	s.broker.Publish(events.SchedulerState{Running: s.running, Paused: s.paused, PauseReason: s.pauseReason})
}

// snapshot captures the persistable run state. RuntimeOf copies by value,
// so the snapshot is safe to hand to the debounced saver.
func (s *Scheduler) snapshot() *models.SessionSnapshot {
	snap := &models.SessionSnapshot{
		PlanPath:    s.planPath,
		ProjectRoot: s.projectRoot,
		Paused:      s.paused,
		PauseReason: s.pauseReason,
		AutoRetry: models.RetryPolicy{
			Enabled:     s.cfg.AutoRetry.Enabled,
			MaxRetries:  s.cfg.AutoRetry.MaxRetries,
			BaseDelayMs: int64(s.cfg.AutoRetry.BaseDelayMs),
		},
		BlockerAutoPause: s.cfg.BlockerAutoPause,
		Tasks:            make(map[string]models.TaskRuntime, len(s.plan.Tasks)),
		Issues:           s.issues.Snapshot(),
	}
	for _, t := range s.plan.Tasks {
		snap.Tasks[t.ID] = models.RuntimeOf(t)
	}
	return snap
}

// requestSave schedules a debounced session write.
func (s *Scheduler) requestSave() {
	if s.session == nil || s.plan == nil {
		return
	}
	s.session.RequestSave(s.snapshot())
}

// saveNow writes the session immediately.
func (s *Scheduler) saveNow() {
	if s.session == nil || s.plan == nil {
		return
	}
	if err := s.session.Save(s.snapshot()); err != nil {
		s.log.LogWarn(fmt.Sprintf("failed to save session: %v", err))
	}
}

// sink adapts worker callbacks onto the scheduler. State-changing reports
// queue onto the coordinator loop; log and usage lines go straight to the
// broker and archiver so they cannot crowd the command channel.
type sink struct{ s *Scheduler }

func (a sink) WorkerLog(workerID, taskID, kind, text string) {
	a.s.broker.Publish(events.WorkerLog{WorkerID: workerID, TaskID: taskID, Kind: kind, Text: text})
	if a.s.archiver != nil {
		a.s.archiver.Append(taskID, kind, text)
	}
}

func (a sink) WorkerUsage(workerID, taskID string, usage models.TokenUsage) {
	ws := events.WorkerState{WorkerID: workerID, TaskID: taskID, State: events.WorkerRunning, Usage: usage}
	if w := a.s.supervisor.Get(workerID); w != nil {
		ws.CurrentTool = w.CurrentTool()
	}
	a.s.broker.Publish(ws)
}

func (a sink) TaskDetected(workerID, taskID string) {
	a.s.enqueue(func() {
		a.s.log.LogInfo(fmt.Sprintf("worker %s reported working on task %s", workerID, taskID))
	})
}

func (a sink) IssueReported(workerID, taskID string, report *issues.Report) {
	a.s.enqueue(func() { a.s.reportIssue(report, taskID, workerID) })
}

func (a sink) Complete(workerID, taskID string, res worker.Completion) {
	a.s.enqueue(func() { a.s.onComplete(workerID, taskID, res) })
}
