// Package wavecheck runs an optional sanity sweep (typically a compiler
// or type checker) each time a wave settles, and flags diagnostics that
// were not present when the run started.
package wavecheck

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/issues"
	"github.com/harrison/autodev/internal/models"
)

// maxReportedLines bounds how many new diagnostic lines land in the issue
// details; the full sweep output stays in the logs.
const maxReportedLines = 20

// Checker produces the diagnostic output of one sweep.
type Checker interface {
	Check(ctx context.Context) (string, error)
}

// IssueReporter is the scheduler surface regressions are filed against.
type IssueReporter interface {
	ReportIssue(report *issues.Report, reporterTaskID string) (*models.Issue, bool, error)
}

// Logger is the console surface for sweep diagnostics.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// CommandChecker runs a configured command and captures combined output.
// Diagnostic tools exit non-zero when they find something, so an exit
// error with output is a completed sweep, not a failure.
type CommandChecker struct {
	Command string
	Dir     string
}

// Check implements Checker.
func (c *CommandChecker) Check(ctx context.Context) (string, error) {
	fields := strings.Fields(c.Command)
	if len(fields) == 0 {
		return "", fmt.Errorf("no check command configured")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return "", fmt.Errorf("check command timed out: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), nil
		}
		return "", fmt.Errorf("check command failed: %w", err)
	}
	return string(out), nil
}

// Runner holds the baseline sweep and compares each wave's sweep against
// it. Wire OnWaveComplete into the scheduler's wave hook.
type Runner struct {
	reporter IssueReporter
	log      Logger
	timeout  time.Duration

	// sweepMu serializes sweeps: two waves settling back to back must
	// not race the same compiler over the same tree.
	sweepMu  sync.Mutex
	checker  Checker
	baseline string
	hasBase  bool
}

// New builds a runner for the configured check command, with dir as the
// working directory of each sweep. log may be nil.
func New(cfg config.WaveCheckConfig, dir string, reporter IssueReporter, log Logger) *Runner {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{
		reporter: reporter,
		log:      log,
		timeout:  timeout,
		checker:  &CommandChecker{Command: cfg.Command, Dir: dir},
	}
}

// SetChecker swaps the sweep implementation. Call it before the first
// sweep runs.
func (r *Runner) SetChecker(c Checker) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	r.checker = c
}

// CaptureBaseline records the pre-run diagnostic state. Pre-existing
// diagnostics are the project's problem, not the run's; only growth is
// reported. A failed capture is logged and the first wave sweep adopts
// its own output as the baseline instead.
func (r *Runner) CaptureBaseline(ctx context.Context) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	out, err := r.checker.Check(ctx)
	if err != nil {
		r.warnf("baseline check failed: %v", err)
		return
	}
	r.baseline = out
	r.hasBase = true
	r.infof("wave check baseline captured (%d line(s))", countLines(out))
}

// OnWaveComplete sweeps after a wave settles and files a warning issue
// when diagnostics grew. Matches the scheduler's wave hook signature.
func (r *Runner) OnWaveComplete(wave int) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	out, err := r.checker.Check(ctx)
	if err != nil {
		r.warnf("wave %d check failed: %v", wave, err)
		return
	}

	if !r.hasBase {
		r.baseline = out
		r.hasBase = true
		r.warnf("wave %d check had no baseline, adopting current output", wave)
		return
	}

	added := newLines(r.baseline, out)
	if len(added) == 0 {
		r.infof("wave %d check passed, no new diagnostics", wave)
		return
	}

	r.warnf("wave %d check found %d new diagnostic line(s)", wave, len(added))
	for _, line := range capLines(added, maxReportedLines) {
		r.warnf("  %s", line)
	}

	if r.reporter == nil {
		return
	}
	report := &issues.Report{
		Title:     fmt.Sprintf("wave %d check regression", wave),
		Severity:  models.SeverityWarning,
		Signature: fmt.Sprintf("wave-check-%d", wave),
		Details:   strings.Join(capLines(added, maxReportedLines), "\n"),
	}
	if _, _, err := r.reporter.ReportIssue(report, ""); err != nil {
		r.warnf("wave %d check could not file issue: %v", wave, err)
	}
}

// newLines returns the non-blank lines present in current but not in the
// baseline, in current's order.
func newLines(baseline, current string) []string {
	dmp := diffmatchpatch.New()
	a, b, lineArr := dmp.DiffLinesToChars(baseline, current)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArr)

	var added []string
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffInsert {
			continue
		}
		for _, line := range strings.Split(d.Text, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				added = append(added, line)
			}
		}
	}
	return added
}

func capLines(lines []string, max int) []string {
	if len(lines) <= max {
		return lines
	}
	capped := append([]string(nil), lines[:max]...)
	return append(capped, fmt.Sprintf("... and %d more", len(lines)-max))
}

func countLines(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func (r *Runner) infof(format string, args ...interface{}) {
	if r.log != nil {
		r.log.LogInfo(fmt.Sprintf(format, args...))
	}
}

func (r *Runner) warnf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.LogWarn(fmt.Sprintf(format, args...))
	}
}
