package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/events"
	"github.com/harrison/autodev/internal/history"
	"github.com/harrison/autodev/internal/issues"
	"github.com/harrison/autodev/internal/logarchive"
	"github.com/harrison/autodev/internal/logger"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/planwatch"
	"github.com/harrison/autodev/internal/scheduler"
	"github.com/harrison/autodev/internal/session"
	"github.com/harrison/autodev/internal/watchdog"
	"github.com/harrison/autodev/internal/wavecheck"
	"github.com/harrison/autodev/internal/writeback"
)

// defaultPlanFile is loaded when run is invoked without a plan argument.
const defaultPlanFile = "AUTO-DEV.md"

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Execute an AUTO-DEV.md plan",
		Long: `Execute a plan by orchestrating concurrent coding agents.

The run command parses the plan file (AUTO-DEV.md by default), restores
any persisted session state for it, and dispatches ready tasks wave by
wave to a bounded pool of agent workers. Completed tasks are checked off
in the plan file; issues reported by agents are collected and injected
into downstream integration tasks.

Configuration is loaded from autodev.yaml in the working directory if
present. CLI flags override configuration file settings.

Examples:
  autodev run                       # run ./AUTO-DEV.md
  autodev run docs/AUTO-DEV.md      # run a specific plan
  autodev run --max-parallel 2      # bound the worker pool
  autodev run --dry-run             # print the dispatch order only
  autodev run --no-resume           # ignore the persisted session
  autodev run --watch               # reload the plan on external edits
  autodev run --log-level trace     # echo raw agent output

The first SIGINT stops the run gracefully (locks released, process trees
killed, session flushed); a second forces exit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: ./autodev.yaml)")
	cmd.Flags().Int("max-parallel", 0, "Maximum number of concurrent workers (1-4)")
	cmd.Flags().String("log-level", "", "Log verbosity: trace, debug, info, warn, error")
	cmd.Flags().Bool("dry-run", false, "Print the wave dispatch order without spawning workers")
	cmd.Flags().Bool("no-resume", false, "Do not hydrate task state from the persisted session")
	cmd.Flags().Bool("watch", false, "Reload the plan when the file changes on disk")

	return cmd
}

// loadMergedConfig loads the config file (explicit path or ./autodev.yaml)
// and merges the run flags over it.
func loadMergedConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	var maxParallelPtr *int
	if cmd.Flags().Changed("max-parallel") {
		v, _ := cmd.Flags().GetInt("max-parallel")
		maxParallelPtr = &v
	}
	var logLevelPtr *string
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		logLevelPtr = &v
	}
	var dryRunPtr *bool
	if cmd.Flags().Changed("dry-run") {
		v, _ := cmd.Flags().GetBool("dry-run")
		dryRunPtr = &v
	}
	var resumePtr *bool
	if cmd.Flags().Changed("no-resume") {
		noResume, _ := cmd.Flags().GetBool("no-resume")
		v := !noResume
		resumePtr = &v
	}
	var watchPtr *bool
	if cmd.Flags().Changed("watch") {
		v, _ := cmd.Flags().GetBool("watch")
		watchPtr = &v
	}

	cfg.MergeWithFlags(maxParallelPtr, logLevelPtr, dryRunPtr, resumePtr, watchPtr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// lateReporter defers the scheduler reference so the wave-check runner can
// be constructed before the scheduler that consumes its hook.
type lateReporter struct {
	s *scheduler.Scheduler
}

func (r *lateReporter) ReportIssue(report *issues.Report, reporterTaskID string) (*models.Issue, bool, error) {
	if r.s == nil {
		return nil, false, fmt.Errorf("scheduler not ready")
	}
	return r.s.ReportIssue(report, reporterTaskID)
}

// runCommand implements the run command logic.
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig(cmd)
	if err != nil {
		return err
	}

	planFile := defaultPlanFile
	if len(args) > 0 {
		planFile = args[0]
	}
	planAbs, err := filepath.Abs(planFile)
	if err != nil {
		return fmt.Errorf("resolve plan file path: %w", err)
	}
	projectRoot := filepath.Dir(planAbs)

	home, err := cfg.ResolveHome()
	if err != nil {
		return fmt.Errorf("resolve autodev home: %w", err)
	}
	sessionsDir, err := config.GetSessionsDir(home)
	if err != nil {
		return fmt.Errorf("prepare sessions directory: %w", err)
	}
	logsDir, err := config.GetLogsDir(home)
	if err != nil {
		return fmt.Errorf("prepare logs directory: %w", err)
	}

	console := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	fileLog, err := logger.NewFileLoggerWithDirAndLevel(logsDir, cfg.LogLevel)
	if err != nil {
		console.LogWarn(fmt.Sprintf("Run log unavailable: %v", err))
		fileLog = nil
	}
	log := &teeLogger{console: console, file: fileLog}
	if fileLog != nil {
		defer fileLog.Close()
		log.LogDebug(fmt.Sprintf("Run log: %s", fileLog.RunFile()))
	}

	broker := events.NewBroker()
	defer broker.Close()
	sessions := session.NewStore(sessionsDir, cfg.Session.Debounce(), log)
	archiver := logarchive.NewArchiver(logsDir, cfg.Archive, log)
	defer archiver.Close()
	queue := writeback.NewQueue(log)
	defer queue.Close()
	tracker := issues.NewTracker()

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.HistoryDBPath(home))
		if err != nil {
			log.LogWarn(fmt.Sprintf("History store unavailable: %v", err))
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	// The watchdog's restart handler and the wave checker's issue reporter
	// both point at the scheduler, which is built after them; the closures
	// only fire once the run is live.
	var sched *scheduler.Scheduler

	var wd *watchdog.Watchdog
	var monitor scheduler.WorkerMonitor
	if cfg.Watchdog.Enabled {
		wd = watchdog.New(cfg.Watchdog, config.WatchdogLogPath(home), func(workerID, reason string) {
			sched.RestartWorker(workerID, reason)
		}, log)
		monitor = wd
	}

	var checker *wavecheck.Runner
	var waveHook func(int)
	reporter := &lateReporter{}
	if cfg.WaveCheck.Enabled {
		checker = wavecheck.New(cfg.WaveCheck, projectRoot, reporter, log)
		waveHook = checker.OnWaveComplete
	}

	sched = scheduler.New(scheduler.Options{
		Config:         cfg,
		ProjectRoot:    projectRoot,
		Broker:         broker,
		Session:        sessions,
		Archiver:       archiver,
		Writeback:      queue,
		Issues:         tracker,
		Monitor:        monitor,
		History:        hist,
		Logger:         log,
		OnWaveComplete: waveHook,
	})
	defer sched.Close()
	reporter.s = sched

	log.LogInfo(fmt.Sprintf("Loading plan from %s", planAbs))
	if err := sched.LoadFile(planAbs); err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}

	if cfg.DryRun {
		printDispatchOrder(cmd.OutOrStdout(), sched.Tasks())
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sub := broker.Subscribe(ctx)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for ev := range sub {
			log.renderEvent(ev)
		}
	}()

	if cfg.Watch {
		pw, err := planwatch.New(planAbs, sched, log)
		if err != nil {
			log.LogWarn(fmt.Sprintf("Plan watch unavailable: %v", err))
		} else {
			defer pw.Close()
		}
	}

	if wd != nil {
		wd.Start()
		defer wd.Stop()
	}

	if checker != nil {
		baseCtx, baseCancel := context.WithTimeout(ctx, cfg.WaveCheck.Timeout())
		checker.CaptureBaseline(baseCtx)
		baseCancel()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		log.LogWarn("Interrupt received, stopping run (interrupt again to force exit)")
		go func() {
			if err := sched.Stop(); err != nil {
				log.LogWarn(fmt.Sprintf("Stop: %v", err))
			}
		}()
		select {
		case <-sigCh:
			log.LogError("Forced exit")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	started := time.Now()
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	<-sched.Done()

	// Drain pending writebacks, archives, and the session snapshot before
	// reporting, so the plan file reflects every completion.
	_ = sched.Flush()
	queue.Flush()
	archiver.Flush()
	sessions.Flush()
	cancel()
	<-rendered

	tasks := sched.Tasks()
	summary := buildSummary(tasks, time.Since(started))
	console.LogSummary(summary)
	if fileLog != nil {
		fileLog.LogSummary(summary)
	}

	outcome := sched.Outcome()
	if outcome == scheduler.OutcomeSuccess {
		return nil
	}
	return fmt.Errorf("run finished: %s", outcome)
}

// buildSummary folds final task states into the logger's summary shape.
func buildSummary(tasks []*models.Task, elapsed time.Duration) logger.RunSummary {
	summary := logger.RunSummary{
		Total:    len(tasks),
		Duration: elapsed.Round(time.Second),
	}
	for _, t := range tasks {
		switch t.Status {
		case models.StatusSuccess:
			summary.Succeeded++
		case models.StatusFailed:
			summary.Failed++
			summary.FailedTasks = append(summary.FailedTasks, fmt.Sprintf("%s (%s)", t.ID, t.Title))
		case models.StatusCanceled:
			summary.Canceled++
		}
	}
	sort.Strings(summary.FailedTasks)
	return summary
}

// printDispatchOrder renders the dry-run view: tasks grouped by wave in
// the order the scheduler would consider them.
func printDispatchOrder(w io.Writer, tasks []*models.Task) {
	byWave := make(map[int][]*models.Task)
	var waves []int
	for _, t := range tasks {
		if _, seen := byWave[t.Wave]; !seen {
			waves = append(waves, t.Wave)
		}
		byWave[t.Wave] = append(byWave[t.Wave], t)
	}
	sort.Ints(waves)

	fmt.Fprintf(w, "Dry run: %d task(s) across %d wave(s)\n", len(tasks), len(waves))
	for _, wave := range waves {
		group := byWave[wave]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		fmt.Fprintf(w, "\nWave %d:\n", wave)
		for _, t := range group {
			line := fmt.Sprintf("  %s: %s [%s]", t.ID, t.Title, t.Status)
			if len(t.DependsOn) > 0 {
				line += fmt.Sprintf(" (deps: %v)", t.DependsOn)
			}
			fmt.Fprintln(w, line)
		}
	}
}
