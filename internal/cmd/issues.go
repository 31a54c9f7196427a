package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/autodev/internal/issues"
	"github.com/harrison/autodev/internal/models"
)

// NewIssuesCommand creates the issues subcommand.
func NewIssuesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues [plan-file]",
		Short: "List issues recorded in a plan's session",
		Long: `List the issues agents reported during runs of a plan, most severe
first. With --report, additionally write the open issues to a Markdown
report file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planFile := defaultPlanFile
			if len(args) > 0 {
				planFile = args[0]
			}
			reportPath, _ := cmd.Flags().GetString("report")
			return showIssues(planFile, reportPath, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("report", "", "Write a Markdown report of open issues to this path")

	return cmd
}

func showIssues(planFile, reportPath string, output io.Writer) error {
	snap, planAbs, err := loadSnapshot(planFile, output)
	if err != nil {
		return err
	}
	if snap == nil || len(snap.Issues) == 0 {
		fmt.Fprintf(output, "No issues recorded for %s\n", planAbs)
		return nil
	}

	// The tracker owns sorting and report rendering; rebuild it from the
	// persisted issues.
	tracker := issues.NewTracker()
	tracker.Restore(snap.Issues)

	all := tracker.GetAll()
	open := tracker.GetOpen()
	fmt.Fprintf(output, "Issues for %s: %d recorded, %d open\n\n", planAbs, len(all), len(open))

	for _, issue := range all {
		printIssue(output, issue)
	}

	if reportPath != "" {
		if err := tracker.WriteReport(reportPath); err != nil {
			return fmt.Errorf("write issue report: %w", err)
		}
		fmt.Fprintf(output, "\nReport written to %s\n", reportPath)
	}
	return nil
}

func printIssue(output io.Writer, issue *models.Issue) {
	marker := "•"
	if issue.Status != models.IssueOpen {
		marker = "✓"
	}
	fmt.Fprintf(output, "%s [%s/%s] %s", marker, issue.Severity, issue.Status, issue.Title)
	if issue.Occurrences > 1 {
		fmt.Fprintf(output, " (x%d)", issue.Occurrences)
	}
	fmt.Fprintln(output)
	if len(issue.Files) > 0 {
		fmt.Fprintf(output, "    files: %s\n", strings.Join(issue.Files, ", "))
	}
	if issue.OwnerTaskID != "" {
		fmt.Fprintf(output, "    owner: %s\n", issue.OwnerTaskID)
	}
	if issue.ReporterTaskID != "" {
		fmt.Fprintf(output, "    reported by: %s\n", issue.ReporterTaskID)
	}
	if issue.Details != "" {
		fmt.Fprintf(output, "    %s\n", issue.Details)
	}
}
