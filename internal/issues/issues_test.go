package issues

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/harrison/autodev/internal/models"
)

func TestParseReportFullPayload(t *testing.T) {
	payload := `{"title":"login 500s","severity":"Blocker","files":["a.ts","b.ts"],"signature":"login-500","details":"stack trace","ownerTaskId":"be-2.1"}`

	report, err := ParseReport([]byte(payload))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if report.Title != "login 500s" {
		t.Errorf("Title = %q", report.Title)
	}
	if report.Severity != models.SeverityBlocker {
		t.Errorf("Severity = %q, want blocker", report.Severity)
	}
	if !reflect.DeepEqual(report.Files, []string{"a.ts", "b.ts"}) {
		t.Errorf("Files = %v", report.Files)
	}
	if report.Signature != "login-500" || report.Details != "stack trace" {
		t.Errorf("optional fields = %q / %q", report.Signature, report.Details)
	}
	if report.OwnerTaskID != "BE-2.1" {
		t.Errorf("OwnerTaskID = %q, want normalized BE-2.1", report.OwnerTaskID)
	}
}

func TestParseReportSingleFileString(t *testing.T) {
	report, err := ParseReport([]byte(`{"title":"t","severity":"warning","files":"src/app.ts"}`))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if !reflect.DeepEqual(report.Files, []string{"src/app.ts"}) {
		t.Errorf("Files = %v, want [src/app.ts]", report.Files)
	}
}

func TestParseReportRejectsBadPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "missing title", payload: `{"severity":"error"}`},
		{name: "blank title", payload: `{"title":"   ","severity":"error"}`},
		{name: "missing severity", payload: `{"title":"t"}`},
		{name: "unknown severity", payload: `{"title":"t","severity":"catastrophic"}`},
		{name: "files wrong type", payload: `{"title":"t","severity":"error","files":42}`},
		{name: "not json", payload: `AUTO_DEV_ISSUE garbage`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseReport([]byte(tt.payload)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestParseReportDropsBlankFiles(t *testing.T) {
	report, err := ParseReport([]byte(`{"title":"t","severity":"error","files":[" a.ts ","","  "]}`))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if !reflect.DeepEqual(report.Files, []string{"a.ts"}) {
		t.Errorf("Files = %v, want [a.ts]", report.Files)
	}
}

func TestAddNewIssue(t *testing.T) {
	tr := NewTracker()
	report := &Report{Title: "t", Severity: models.SeverityError, Files: []string{"a.ts"}}

	issue, merged := tr.Add(report, "fe-1.1", "w1")
	if merged {
		t.Fatal("expected a fresh issue, not a merge")
	}
	if issue.ID != models.IssueDedupKey("", "t", []string{"a.ts"}) {
		t.Errorf("ID = %q, want content-address key", issue.ID)
	}
	if issue.Status != models.IssueOpen || issue.Occurrences != 1 {
		t.Errorf("Status/Occurrences = %q/%d", issue.Status, issue.Occurrences)
	}
	if issue.ReporterTaskID != "FE-1.1" || issue.ReporterWorkerID != "w1" {
		t.Errorf("reporter = %q/%q", issue.ReporterTaskID, issue.ReporterWorkerID)
	}
	if issue.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestAddMergesSameTitleDifferentFiles(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "t", Severity: models.SeverityError, Files: []string{"a.ts"}}, "FE-1.1", "w1")
	issue, merged := tr.Add(&Report{Title: "t", Severity: models.SeverityError, Files: []string{"a.ts", "b.ts"}}, "BE-2.1", "w2")

	if !merged {
		t.Fatal("expected the second report to merge")
	}
	if issue.Occurrences != 2 {
		t.Errorf("Occurrences = %d, want 2", issue.Occurrences)
	}
	if !reflect.DeepEqual(issue.Files, []string{"a.ts", "b.ts"}) {
		t.Errorf("Files = %v, want union [a.ts b.ts]", issue.Files)
	}
	if len(tr.GetAll()) != 1 {
		t.Fatalf("expected one canonical issue, got %d", len(tr.GetAll()))
	}
}

func TestAddMergesBySignature(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "first wording", Severity: models.SeverityWarning, Signature: "dup-1"}, "FE-1.1", "w1")
	issue, merged := tr.Add(&Report{Title: "second wording", Severity: models.SeverityWarning, Signature: "dup-1"}, "FE-1.2", "w2")

	if !merged || issue.Occurrences != 2 {
		t.Fatalf("expected signature merge, merged=%v occurrences=%d", merged, issue.Occurrences)
	}
	if issue.Title != "first wording" {
		t.Errorf("Title = %q, want the first report's title kept", issue.Title)
	}
}

func TestMergeWidensSeverityMonotonically(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "t", Severity: models.SeverityWarning}, "", "")
	issue, _ := tr.Add(&Report{Title: "t", Severity: models.SeverityBlocker}, "", "")
	if issue.Severity != models.SeverityBlocker {
		t.Errorf("Severity = %q, want blocker", issue.Severity)
	}

	issue, _ = tr.Add(&Report{Title: "t", Severity: models.SeverityWarning}, "", "")
	if issue.Severity != models.SeverityBlocker {
		t.Errorf("Severity = %q, want blocker to stick", issue.Severity)
	}
}

func TestMergeReopensFixedIssue(t *testing.T) {
	tr := NewTracker()
	created, _ := tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	if _, ok := tr.UpdateStatus(created.ID, models.IssueFixed); !ok {
		t.Fatal("UpdateStatus failed")
	}

	issue, merged := tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	if !merged || issue.Status != models.IssueOpen {
		t.Fatalf("expected fixed issue reopened, merged=%v status=%q", merged, issue.Status)
	}
}

func TestMergeLeavesIgnoredAlone(t *testing.T) {
	tr := NewTracker()
	created, _ := tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	tr.UpdateStatus(created.ID, models.IssueIgnored)

	issue, merged := tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	if !merged || issue.Status != models.IssueIgnored {
		t.Fatalf("expected ignored to stick, merged=%v status=%q", merged, issue.Status)
	}
	if issue.Occurrences != 2 {
		t.Errorf("Occurrences = %d, want the merge still counted", issue.Occurrences)
	}
}

func TestMergeFillsMissingOptionalFields(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	issue, _ := tr.Add(&Report{
		Title:       "t",
		Severity:    models.SeverityError,
		Details:     "now we know more",
		OwnerTaskID: "BE-2.1",
	}, "", "")

	if issue.Details != "now we know more" || issue.OwnerTaskID != "BE-2.1" {
		t.Errorf("optional fields not filled: %q / %q", issue.Details, issue.OwnerTaskID)
	}
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	tr := NewTracker()
	if _, ok := tr.UpdateStatus("nope", models.IssueFixed); ok {
		t.Error("expected unknown id to fail")
	}

	created, _ := tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	if _, ok := tr.UpdateStatus(created.ID, models.IssueStatus("wontfix")); ok {
		t.Error("expected invalid status to fail")
	}
}

func TestGetAllSortsBySeverityThenAge(t *testing.T) {
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.Restore([]*models.Issue{
		{ID: "w-old", Title: "w old", Severity: models.SeverityWarning, Status: models.IssueOpen, CreatedAt: base},
		{ID: "b-new", Title: "b new", Severity: models.SeverityBlocker, Status: models.IssueOpen, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "e-mid", Title: "e mid", Severity: models.SeverityError, Status: models.IssueOpen, CreatedAt: base.Add(time.Hour)},
		{ID: "b-old", Title: "b old", Severity: models.SeverityBlocker, Status: models.IssueOpen, CreatedAt: base.Add(time.Minute)},
	})

	var ids []string
	for _, issue := range tr.GetAll() {
		ids = append(ids, issue.ID)
	}
	want := []string{"b-old", "b-new", "e-mid", "w-old"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
}

func TestGetOpenAndBlockerFilters(t *testing.T) {
	tr := NewTracker()
	blocker, _ := tr.Add(&Report{Title: "b", Severity: models.SeverityBlocker}, "", "")
	fixed, _ := tr.Add(&Report{Title: "f", Severity: models.SeverityError}, "", "")
	tr.Add(&Report{Title: "w", Severity: models.SeverityWarning}, "", "")
	tr.UpdateStatus(fixed.ID, models.IssueFixed)

	if got := len(tr.GetOpen()); got != 2 {
		t.Errorf("GetOpen() = %d issues, want 2", got)
	}
	blockers := tr.GetOpenBlockers()
	if len(blockers) != 1 || blockers[0].ID != blocker.ID {
		t.Errorf("GetOpenBlockers() = %v", blockers)
	}
}

func TestClonesDoNotLeakInternalState(t *testing.T) {
	tr := NewTracker()
	issue, _ := tr.Add(&Report{Title: "t", Severity: models.SeverityError, Files: []string{"a.ts"}}, "", "")

	issue.Files[0] = "mutated"
	issue.Status = models.IssueIgnored

	fresh := tr.GetAll()[0]
	if fresh.Files[0] != "a.ts" || fresh.Status != models.IssueOpen {
		t.Error("external mutation reached tracker state")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "t1", Severity: models.SeverityBlocker, Files: []string{"a.ts"}}, "FE-1.1", "w1")
	tr.Add(&Report{Title: "t2", Severity: models.SeverityWarning}, "BE-2.1", "w2")

	restored := NewTracker()
	restored.Restore(tr.Snapshot())

	if !reflect.DeepEqual(restored.GetAll(), tr.GetAll()) {
		t.Error("restored tracker differs from original")
	}

	// Dedup must keep working against restored issues.
	issue, merged := restored.Add(&Report{Title: "t1", Severity: models.SeverityBlocker}, "", "")
	if !merged || issue.Occurrences != 2 {
		t.Errorf("expected merge into restored issue, merged=%v occurrences=%d", merged, issue.Occurrences)
	}
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", "")
	tr.Clear()
	if len(tr.GetAll()) != 0 {
		t.Error("expected empty tracker after Clear")
	}

	if _, merged := tr.Add(&Report{Title: "t", Severity: models.SeverityError}, "", ""); merged {
		t.Error("expected no merge against cleared state")
	}
}

func TestWriteReportGroupsBySeverity(t *testing.T) {
	tr := NewTracker()
	tr.Add(&Report{Title: "login 500s", Severity: models.SeverityBlocker, Files: []string{"a.ts"}, OwnerTaskID: "BE-2.1"}, "FE-1.1", "w1")
	tr.Add(&Report{Title: "slow query", Severity: models.SeverityWarning, Details: "p95 over\nbudget"}, "BE-2.1", "w2")

	path := filepath.Join(t.TempDir(), "issues.md")
	if err := tr.WriteReport(path); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"# Issues Report",
		"## Blockers (1)",
		"### login 500s",
		"- **Files**: a.ts",
		"- **Owner**: BE-2.1",
		"## Warnings (1)",
		"- **Details**: p95 over budget",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("report missing %q:\n%s", want, content)
		}
	}
	if strings.Index(content, "## Blockers") > strings.Index(content, "## Warnings") {
		t.Error("expected blockers section before warnings")
	}
}

func TestWriteReportNoOpenIssues(t *testing.T) {
	tr := NewTracker()
	path := filepath.Join(t.TempDir(), "issues.md")
	if err := tr.WriteReport(path); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "No open issues.") {
		t.Errorf("unexpected empty report:\n%s", data)
	}
}

func TestDigest(t *testing.T) {
	tr := NewTracker()
	if tr.Digest() != "" {
		t.Error("expected empty digest for empty tracker")
	}

	tr.Add(&Report{Title: "login 500s", Severity: models.SeverityBlocker, Files: []string{"a.ts", "b.ts"}}, "FE-1.1", "w1")
	fixed, _ := tr.Add(&Report{Title: "stale cache", Severity: models.SeverityError}, "", "")
	tr.UpdateStatus(fixed.ID, models.IssueFixed)

	digest := tr.Digest()
	if !strings.Contains(digest, "## Known open issues (1)") {
		t.Errorf("digest header wrong:\n%s", digest)
	}
	if !strings.Contains(digest, "- login 500s [a.ts, b.ts]") {
		t.Errorf("digest entry wrong:\n%s", digest)
	}
	if strings.Contains(digest, "stale cache") {
		t.Errorf("fixed issue leaked into digest:\n%s", digest)
	}
}
