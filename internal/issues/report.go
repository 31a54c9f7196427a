package issues

import (
	"fmt"
	"strings"
	"time"

	"github.com/harrison/autodev/internal/filelock"
	"github.com/harrison/autodev/internal/models"
)

var severityOrder = []models.IssueSeverity{
	models.SeverityBlocker,
	models.SeverityError,
	models.SeverityWarning,
}

// WriteReport dumps the open issues to a Markdown file, grouped by
// severity. The write is atomic so a report reader never sees a torn file.
func (t *Tracker) WriteReport(path string) error {
	open := t.GetOpen()

	var sb strings.Builder
	sb.WriteString("# Issues Report\n\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n", time.Now().Format(time.RFC3339)))

	if len(open) == 0 {
		sb.WriteString("\nNo open issues.\n")
	} else {
		sb.WriteString(fmt.Sprintf("Open issues: %d\n", len(open)))
		for _, sev := range severityOrder {
			group := filterBySeverity(open, sev)
			if len(group) == 0 {
				continue
			}
			sb.WriteString(fmt.Sprintf("\n## %s (%d)\n", severityHeading(sev), len(group)))
			for _, issue := range group {
				writeIssueEntry(&sb, issue)
			}
		}
	}

	if err := filelock.AtomicWrite(path, []byte(sb.String())); err != nil {
		return fmt.Errorf("failed to write issues report: %w", err)
	}
	return nil
}

func writeIssueEntry(sb *strings.Builder, issue *models.Issue) {
	sb.WriteString(fmt.Sprintf("\n### %s\n", issue.Title))
	sb.WriteString(fmt.Sprintf("- **ID**: %s\n", issue.ID))
	sb.WriteString(fmt.Sprintf("- **Occurrences**: %d\n", issue.Occurrences))
	if issue.ReporterTaskID != "" {
		reporter := issue.ReporterTaskID
		if issue.ReporterWorkerID != "" {
			reporter += " (" + issue.ReporterWorkerID + ")"
		}
		sb.WriteString(fmt.Sprintf("- **Reported by**: %s\n", reporter))
	}
	if issue.OwnerTaskID != "" {
		sb.WriteString(fmt.Sprintf("- **Owner**: %s\n", issue.OwnerTaskID))
	}
	if len(issue.Files) > 0 {
		sb.WriteString(fmt.Sprintf("- **Files**: %s\n", strings.Join(issue.Files, ", ")))
	}
	if issue.Details != "" {
		sb.WriteString(fmt.Sprintf("- **Details**: %s\n", flattenLines(issue.Details)))
	}
}

// Digest renders the open issues as a compact Markdown block for injection
// into integration-task startup prompts. Empty when nothing is open.
func (t *Tracker) Digest() string {
	open := t.GetOpen()
	if len(open) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Known open issues (%d)\n", len(open)))
	for _, sev := range severityOrder {
		group := filterBySeverity(open, sev)
		if len(group) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n### %s\n", severityHeading(sev)))
		for _, issue := range group {
			sb.WriteString("- " + issue.Title)
			if len(issue.Files) > 0 {
				sb.WriteString(" [" + strings.Join(issue.Files, ", ") + "]")
			}
			if issue.OwnerTaskID != "" {
				sb.WriteString(" (owner: " + issue.OwnerTaskID + ")")
			}
			sb.WriteString("\n")
			if issue.Details != "" {
				sb.WriteString("  " + flattenLines(issue.Details) + "\n")
			}
		}
	}
	return sb.String()
}

func filterBySeverity(issues []*models.Issue, sev models.IssueSeverity) []*models.Issue {
	var group []*models.Issue
	for _, issue := range issues {
		if issue.Severity == sev {
			group = append(group, issue)
		}
	}
	return group
}

func severityHeading(sev models.IssueSeverity) string {
	switch sev {
	case models.SeverityBlocker:
		return "Blockers"
	case models.SeverityError:
		return "Errors"
	default:
		return "Warnings"
	}
}

// flattenLines keeps multi-line details on one report line.
func flattenLines(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
