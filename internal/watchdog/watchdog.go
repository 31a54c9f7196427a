// Package watchdog diagnoses stuck workers from outside the worker's own
// stream handling. A rule layer covers the clear cases: dead process,
// hard error tokens in the log tail, tool calls open past their category
// limit, and plain inactivity. When the rules cannot decide, an optional
// AI layer asks an isolated agent process for a verdict. Restarts go
// through a caller-supplied handler; every decision lands in an
// append-only JSON-lines audit log.
package watchdog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/worker"
)

// Verdict is the outcome of diagnosing one worker.
type Verdict string

const (
	// VerdictRestart means the worker is definitely stuck or dead.
	VerdictRestart Verdict = "restart"

	// VerdictWait means leave the worker alone.
	VerdictWait Verdict = "wait"

	// VerdictNeedAI means the rules cannot decide. With the AI layer off
	// (or inconclusive) it is logged and treated as wait.
	VerdictNeedAI Verdict = "need_ai"
)

// logTailBytes bounds the log window the error-token scan reads.
const logTailBytes = 256 * 1024

// errorTokens in the log tail mean the worker hit a hard transport or
// gateway failure it will not recover from on its own.
var errorTokens = []string{"econnreset", "etimedout", "timeout", "504"}

// WorkerProbe is the read-only view of a supervised worker. *worker.Worker
// satisfies it.
type WorkerProbe interface {
	PID() int
	LastActivity() time.Time
	OpenToolCalls() []worker.ToolCallInfo
	LogTail(maxBytes int) string
}

// RestartFunc is the recovery hook, typically the scheduler's kill-worker
// entry point. The kill surfaces as a failed completion and the task is
// rescheduled through the normal retry path.
type RestartFunc func(workerID, reason string)

// Logger is the console subset the watchdog logs through. Nil disables
// console output; the audit log is unaffected.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Diagnosis is one decision about one worker.
type Diagnosis struct {
	WorkerID string
	TaskID   string
	Verdict  Verdict
	Reason   string

	// Source is "rule" or "ai".
	Source string
}

type entry struct {
	taskID string
	probe  WorkerProbe
}

// Watchdog sweeps the registered workers on the configured interval.
type Watchdog struct {
	cfg     config.WatchdogConfig
	restart RestartFunc
	log     Logger
	audit   *auditLog

	// ai and alive are swapped out by tests.
	ai    aiConsulter
	alive func(pid int) bool

	// verdicts caches AI outcomes so a stuck worker does not spawn a
	// diagnosis agent on every sweep. Nil when caching is disabled.
	verdicts *cache.Cache

	mu      sync.Mutex
	workers map[string]entry

	started  bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a watchdog. auditPath is the JSON-lines decision log
// (config.WatchdogLogPath); restart and log may be nil.
func New(cfg config.WatchdogConfig, auditPath string, restart RestartFunc, log Logger) *Watchdog {
	d := &Watchdog{
		cfg:     cfg,
		restart: restart,
		log:     log,
		audit:   newAuditLog(auditPath, log),
		alive:   worker.ProcessAlive,
		workers: make(map[string]entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.ai = d.runAICommand
	if ttl := cfg.VerdictCacheTTL(); ttl > 0 {
		d.verdicts = cache.New(ttl, 2*ttl)
	}
	return d
}

// Register adds a worker to the sweep. Re-registering an id replaces the
// previous entry.
func (d *Watchdog) Register(workerID, taskID string, probe WorkerProbe) {
	if probe == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[workerID] = entry{taskID: taskID, probe: probe}
}

// Unregister drops a worker from the sweep.
func (d *Watchdog) Unregister(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, workerID)
}

// Registered counts the workers under watch.
func (d *Watchdog) Registered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Start launches the sweep loop. A disabled config or non-positive
// interval is a no-op.
func (d *Watchdog) Start() {
	if !d.cfg.Enabled {
		return
	}
	interval := d.cfg.CheckInterval()
	if interval <= 0 {
		return
	}
	d.started = true
	go d.run(interval)
}

// Stop halts the sweep loop and closes the audit log. Idempotent.
func (d *Watchdog) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started {
		<-d.done
	}
	d.audit.Close()
}

func (d *Watchdog) run(interval time.Duration) {
	defer close(d.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case now := <-ticker.C:
			d.sweep(now)
		}
	}
}

// sweep diagnoses every registered worker and acts on the verdicts.
func (d *Watchdog) sweep(now time.Time) {
	d.mu.Lock()
	snapshot := make(map[string]entry, len(d.workers))
	for id, e := range d.workers {
		snapshot[id] = e
	}
	d.mu.Unlock()

	for id, e := range snapshot {
		d.act(d.diagnose(id, e, now))
	}
}

// diagnose runs the rule layer and, when the rules cannot decide and the
// AI layer is enabled, escalates to the diagnosis agent.
func (d *Watchdog) diagnose(workerID string, e entry, now time.Time) Diagnosis {
	diag := Diagnosis{WorkerID: workerID, TaskID: e.taskID, Source: "rule"}

	if pid := e.probe.PID(); pid > 0 && !d.alive(pid) {
		diag.Verdict = VerdictRestart
		diag.Reason = fmt.Sprintf("process %d is gone without a completion", pid)
		return diag
	}

	tail := e.probe.LogTail(logTailBytes)
	if tok := firstErrorToken(tail); tok != "" {
		diag.Verdict = VerdictRestart
		diag.Reason = fmt.Sprintf("error token %q in log tail", tok)
		return diag
	}

	for _, call := range e.probe.OpenToolCalls() {
		limit := worker.CategoryTimeout(d.cfg.SlowTool, call.Category)
		if limit <= 0 {
			continue
		}
		if age := now.Sub(call.Started); age > limit {
			diag.Verdict = VerdictRestart
			diag.Reason = fmt.Sprintf("tool %s (%s) open for %s, limit %s",
				call.Name, call.Category, age.Round(time.Second), limit)
			return diag
		}
	}

	if idle := d.cfg.ActivityTimeout(); idle > 0 {
		if quiet := now.Sub(e.probe.LastActivity()); quiet > idle {
			diag.Verdict = VerdictNeedAI
			diag.Reason = fmt.Sprintf("no activity for %s", quiet.Round(time.Second))
			if d.cfg.AIEnabled {
				return d.consultAI(diag, e, quiet, tail)
			}
			return diag
		}
	}

	diag.Verdict = VerdictWait
	diag.Reason = "healthy"
	return diag
}

// act applies one diagnosis: restart through the handler, everything else
// is logged. Healthy rule verdicts stay out of the audit log.
func (d *Watchdog) act(diag Diagnosis) {
	switch diag.Verdict {
	case VerdictRestart:
		action := "logged"
		if d.restart != nil {
			action = "restart"
			d.Unregister(diag.WorkerID)
			d.restart(diag.WorkerID, diag.Reason)
		}
		d.warnf("watchdog restarting worker %s (task %s): %s", diag.WorkerID, diag.TaskID, diag.Reason)
		d.audit.append(diag, action)
	case VerdictNeedAI:
		d.warnf("watchdog cannot decide on worker %s (task %s): %s", diag.WorkerID, diag.TaskID, diag.Reason)
		d.audit.append(diag, "logged")
	case VerdictWait:
		if diag.Source == "ai" {
			d.infof("watchdog leaving worker %s alone: %s", diag.WorkerID, diag.Reason)
			d.audit.append(diag, "logged")
		}
	}
}

func firstErrorToken(tail string) string {
	lower := strings.ToLower(tail)
	for _, tok := range errorTokens {
		if strings.Contains(lower, tok) {
			return tok
		}
	}
	return ""
}

func (d *Watchdog) infof(format string, args ...interface{}) {
	if d.log != nil {
		d.log.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (d *Watchdog) warnf(format string, args ...interface{}) {
	if d.log != nil {
		d.log.LogWarn(fmt.Sprintf(format, args...))
	}
}
