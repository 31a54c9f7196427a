package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/history"
	"github.com/harrison/autodev/internal/models"
)

// NewHistoryCommand creates the history command group.
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run-history store",
		Long: `Query the SQLite store where every task attempt is recorded:
per-task attempt counts, per-kind success rates, and recent runs.`,
	}

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryStatsCommand())
	cmd.AddCommand(newHistoryClearCommand())

	return cmd
}

// openHistory resolves the configured database path and opens the store.
// The second return is the resolved path for messages.
func openHistory() (*history.Store, string, error) {
	cfg, err := config.LoadConfigFromDir(".")
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	home, err := cfg.ResolveHome()
	if err != nil {
		return nil, "", fmt.Errorf("resolve autodev home: %w", err)
	}
	dbPath := cfg.HistoryDBPath(home)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, dbPath, nil
	}

	store, err := history.Open(dbPath)
	if err != nil {
		return nil, dbPath, fmt.Errorf("open history store: %w", err)
	}
	return store, dbPath, nil
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [task-id]",
		Short: "Show recorded attempts",
		Long: `Without arguments, show the per-task rollup and recent runs. With a
task id, show that task's individual attempts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			taskID := ""
			if len(args) > 0 {
				taskID = args[0]
			}
			return historyShow(cmd.Context(), taskID, limit, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().Int("limit", 20, "Maximum rows to show")

	return cmd
}

func historyShow(ctx context.Context, taskID string, limit int, output io.Writer) error {
	store, dbPath, err := openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintf(output, "No history recorded yet (database: %s)\n", dbPath)
		return nil
	}
	defer store.Close()

	if taskID != "" {
		id := models.NormalizeTaskID(taskID)
		attempts, err := store.Attempts(ctx, id, limit)
		if err != nil {
			return fmt.Errorf("query attempts: %w", err)
		}
		if len(attempts) == 0 {
			fmt.Fprintf(output, "No attempts recorded for %s\n", id)
			return nil
		}
		fmt.Fprintf(output, "Attempts for %s:\n", id)
		for _, a := range attempts {
			line := fmt.Sprintf("  try %d: %s in %s (worker %s, run %s)",
				a.Number, a.Status, a.Duration.Round(time.Second), a.WorkerID, shortRunID(a.RunID))
			if a.FailureReason != "" {
				line += fmt.Sprintf(" — %s", a.FailureReason)
			}
			fmt.Fprintln(output, line)
		}
		return nil
	}

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return fmt.Errorf("query task counts: %w", err)
	}
	if len(counts) == 0 {
		fmt.Fprintf(output, "No attempts recorded yet\n")
		return nil
	}

	fmt.Fprintf(output, "%-24s %8s  %-10s %s\n", "TASK", "ATTEMPTS", "LAST", "REASON")
	for _, c := range counts {
		reason := c.LastReason
		if len(reason) > 48 {
			reason = reason[:45] + "..."
		}
		fmt.Fprintf(output, "%-24s %8d  %-10s %s\n", c.TaskID, c.Attempts, c.LastStatus, reason)
	}

	runs, err := store.Runs(ctx, limit)
	if err != nil {
		return fmt.Errorf("query runs: %w", err)
	}
	if len(runs) > 0 {
		fmt.Fprintf(output, "\nRecent runs:\n")
		for _, r := range runs {
			outcome := r.Outcome
			if outcome == "" {
				outcome = "in progress"
			}
			fmt.Fprintf(output, "  %s %s: %s (%d/%d succeeded)\n",
				r.StartedAt.Format("2006-01-02 15:04"), shortRunID(r.RunID), outcome, r.TasksSucceeded, r.TasksTotal)
		}
	}
	return nil
}

func newHistoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-kind success rates and durations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return historyStats(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
}

func historyStats(ctx context.Context, output io.Writer) error {
	store, dbPath, err := openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintf(output, "No history recorded yet (database: %s)\n", dbPath)
		return nil
	}
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("query stats: %w", err)
	}
	if len(stats) == 0 {
		fmt.Fprintf(output, "No attempts recorded yet\n")
		return nil
	}

	fmt.Fprintf(output, "%-12s %8s %9s %9s %10s %12s\n", "KIND", "ATTEMPTS", "SUCCESS", "RATE", "AVG TIME", "TOKENS")
	for _, s := range stats {
		avg := time.Duration(s.AvgDurationSecs * float64(time.Second))
		fmt.Fprintf(output, "%-12s %8d %9d %8.0f%% %10s %11dk\n",
			s.Kind, s.Attempts, s.Successes, s.SuccessRate*100, avg.Round(time.Second), s.TotalTokens/1000)
	}
	return nil
}

func newHistoryClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded runs and attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return historyClear(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
}

func historyClear(ctx context.Context, output io.Writer) error {
	store, dbPath, err := openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		fmt.Fprintf(output, "No history recorded yet (database: %s)\n", dbPath)
		return nil
	}
	defer store.Close()

	removed, err := store.Clear(ctx)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	fmt.Fprintf(output, "Removed %d attempt record(s)\n", removed)
	return nil
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
