package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/logger"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/session"
)

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [plan-file]",
		Short: "Show the persisted session state for a plan",
		Long: `Print the stored session snapshot for a plan file: per-task status,
retry state, and whether the run was paused. Nothing is started.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planFile := defaultPlanFile
			if len(args) > 0 {
				planFile = args[0]
			}
			return showStatus(planFile, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	return cmd
}

// loadSnapshot resolves the autodev home and reads the snapshot stored for
// the plan path. A nil snapshot with nil error means no session exists.
func loadSnapshot(planFile string, output io.Writer) (*models.SessionSnapshot, string, error) {
	planAbs, err := filepath.Abs(planFile)
	if err != nil {
		return nil, "", fmt.Errorf("resolve plan file path: %w", err)
	}

	home, err := config.GetAutodevHome()
	if err != nil {
		return nil, "", fmt.Errorf("resolve autodev home: %w", err)
	}
	sessionsDir, err := config.GetSessionsDir(home)
	if err != nil {
		return nil, "", fmt.Errorf("prepare sessions directory: %w", err)
	}

	warn := logger.NewConsoleLogger(output, "warn")
	store := session.NewStore(sessionsDir, 0, warn)
	snap, err := store.Load(planAbs)
	if err != nil {
		return nil, "", fmt.Errorf("read session: %w", err)
	}
	return snap, planAbs, nil
}

func showStatus(planFile string, output io.Writer) error {
	snap, planAbs, err := loadSnapshot(planFile, output)
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Fprintf(output, "No session recorded for %s\n", planAbs)
		return nil
	}

	fmt.Fprintf(output, "Session for %s\n", planAbs)
	fmt.Fprintf(output, "Saved at: %s\n", snap.SavedAt.Format(time.RFC3339))
	if snap.Paused {
		reason := string(snap.PauseReason)
		if reason == "" {
			reason = "unknown"
		}
		fmt.Fprintf(output, "Paused: yes (%s)\n", reason)
	} else {
		fmt.Fprintf(output, "Paused: no\n")
	}
	if snap.AutoRetry.Enabled {
		fmt.Fprintf(output, "Auto-retry: up to %d retries, base delay %s\n",
			snap.AutoRetry.MaxRetries, time.Duration(snap.AutoRetry.BaseDelayMs)*time.Millisecond)
	} else {
		fmt.Fprintf(output, "Auto-retry: disabled\n")
	}

	ids := make([]string, 0, len(snap.Tasks))
	for id := range snap.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(output, "\nTasks (%d):\n", len(ids))
	for _, id := range ids {
		rt := snap.Tasks[id]
		line := fmt.Sprintf("  %s: %s", id, rt.Status)
		if rt.RetryCount > 0 {
			line += fmt.Sprintf(" [retry %d]", rt.RetryCount)
		}
		if rt.NextRetryAt > 0 {
			at := time.UnixMilli(rt.NextRetryAt)
			line += fmt.Sprintf(" (next retry %s)", at.Format(time.RFC3339))
		}
		if rt.DurationSecs > 0 {
			line += fmt.Sprintf(" (%s)", time.Duration(rt.DurationSecs)*time.Second)
		}
		if rt.HasModifiedCode {
			line += " [modified code]"
		}
		fmt.Fprintln(output, line)
	}

	open := 0
	for _, issue := range snap.Issues {
		if issue.Status == models.IssueOpen {
			open++
		}
	}
	if len(snap.Issues) > 0 {
		fmt.Fprintf(output, "\nIssues: %d recorded, %d open (see `autodev issues`)\n", len(snap.Issues), open)
	}
	return nil
}
