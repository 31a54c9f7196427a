// Package issues tracks worker-reported defects for one scheduler session.
// Reports are deduplicated by content address, merged monotonically (widest
// severity wins, occurrence counts only grow) and survive restarts through
// the session snapshot.
package issues

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/models"
)

// Report is a validated issue payload extracted from a worker stream.
type Report struct {
	Title       string
	Severity    models.IssueSeverity
	Files       []string
	Signature   string
	Details     string
	OwnerTaskID string
}

// fileList accepts either a JSON array of strings or a single string, the
// two shapes agents emit for the files field.
type fileList []string

func (fl *fileList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*fl = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*fl = fileList{one}
		return nil
	}
	return errors.New("files must be a string or an array of strings")
}

// ParseReport validates a raw AUTO_DEV_ISSUE JSON payload. Title and a
// known severity are required; files, signature, details and ownerTaskId
// are optional. Anything else fails and the payload is discarded upstream.
func ParseReport(payload []byte) (*Report, error) {
	var raw struct {
		Title       string   `json:"title"`
		Severity    string   `json:"severity"`
		Files       fileList `json:"files"`
		Signature   string   `json:"signature"`
		Details     string   `json:"details"`
		OwnerTaskID string   `json:"ownerTaskId"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid issue payload: %w", err)
	}

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return nil, errors.New("issue payload missing title")
	}
	severity, ok := models.ParseIssueSeverity(raw.Severity)
	if !ok {
		return nil, fmt.Errorf("issue payload has unknown severity %q", raw.Severity)
	}

	files := make([]string, 0, len(raw.Files))
	for _, f := range raw.Files {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}

	report := &Report{
		Title:     title,
		Severity:  severity,
		Files:     files,
		Signature: strings.TrimSpace(raw.Signature),
		Details:   strings.TrimSpace(raw.Details),
	}
	if owner := strings.TrimSpace(raw.OwnerTaskID); owner != "" {
		report.OwnerTaskID = models.NormalizeTaskID(owner)
	}
	return report, nil
}

// Tracker is the in-memory issue store. All mutation goes through the
// scheduler's coordinator, but reads may come from display and CLI
// goroutines, so access is mutex-guarded. Returned issues are clones.
type Tracker struct {
	mu      sync.Mutex
	issues  map[string]*models.Issue
	byTitle map[string]string // normalized title -> issue id
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		issues:  make(map[string]*models.Issue),
		byTitle: make(map[string]string),
	}
}

// Add records a report, merging it into an existing issue when it
// deduplicates. Returns the canonical issue and whether a merge happened.
//
// Matching is two-level: the content-address key first, then the title.
// Two agents rarely emit byte-identical file lists for the same defect, so
// a report with a known title folds into that issue instead of opening a
// near-duplicate.
func (t *Tracker) Add(report *Report, reporterTaskID, reporterWorkerID string) (*models.Issue, bool) {
	key := models.IssueDedupKey(report.Signature, report.Title, report.Files)

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.issues[key]
	if !ok {
		if id, found := t.byTitle[titleKey(report.Title)]; found {
			existing, ok = t.issues[id]
		}
	}
	if ok && existing != nil {
		t.merge(existing, report)
		return existing.Clone(), true
	}

	issue := &models.Issue{
		ID:               key,
		CreatedAt:        time.Now(),
		ReporterTaskID:   models.NormalizeTaskID(reporterTaskID),
		ReporterWorkerID: reporterWorkerID,
		OwnerTaskID:      report.OwnerTaskID,
		Severity:         report.Severity,
		Title:            report.Title,
		Details:          report.Details,
		Files:            append([]string(nil), report.Files...),
		Signature:        report.Signature,
		Status:           models.IssueOpen,
		Occurrences:      1,
	}
	t.issues[key] = issue
	t.byTitle[titleKey(report.Title)] = key
	return issue.Clone(), false
}

// merge folds a duplicate report into its canonical issue. Severity only
// widens, files union preserving first-seen order, a fixed issue reopens
// while an ignored one stays ignored, and empty optional fields fill in.
func (t *Tracker) merge(issue *models.Issue, report *Report) {
	issue.Occurrences++
	issue.Severity = models.MaxSeverity(issue.Severity, report.Severity)

	for _, f := range report.Files {
		if !containsString(issue.Files, f) {
			issue.Files = append(issue.Files, f)
		}
	}

	if issue.Status == models.IssueFixed {
		issue.Status = models.IssueOpen
	}
	if issue.Details == "" {
		issue.Details = report.Details
	}
	if issue.OwnerTaskID == "" {
		issue.OwnerTaskID = report.OwnerTaskID
	}
	if issue.Signature == "" {
		issue.Signature = report.Signature
	}
}

// UpdateStatus sets the workflow status of an issue. Returns the updated
// issue, or false when the id is unknown or the status invalid.
func (t *Tracker) UpdateStatus(id string, status models.IssueStatus) (*models.Issue, bool) {
	if !models.ValidIssueStatus(status) {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[id]
	if !ok {
		return nil, false
	}
	issue.Status = status
	return issue.Clone(), true
}

// GetAll returns clones of every issue, blockers first, then errors, then
// warnings, oldest first within a severity.
func (t *Tracker) GetAll() []*models.Issue {
	t.mu.Lock()
	all := make([]*models.Issue, 0, len(t.issues))
	for _, issue := range t.issues {
		all = append(all, issue.Clone())
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if ri, rj := all[i].Severity.Rank(), all[j].Severity.Rank(); ri != rj {
			return ri > rj
		}
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// GetOpen returns the open issues in GetAll order.
func (t *Tracker) GetOpen() []*models.Issue {
	all := t.GetAll()
	open := all[:0]
	for _, issue := range all {
		if issue.Status == models.IssueOpen {
			open = append(open, issue)
		}
	}
	return open
}

// GetOpenBlockers returns the open blocker-severity issues.
func (t *Tracker) GetOpenBlockers() []*models.Issue {
	open := t.GetOpen()
	blockers := open[:0]
	for _, issue := range open {
		if issue.Severity == models.SeverityBlocker {
			blockers = append(blockers, issue)
		}
	}
	return blockers
}

// Clear drops every issue.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues = make(map[string]*models.Issue)
	t.byTitle = make(map[string]string)
}

// Snapshot returns all issues for session persistence.
func (t *Tracker) Snapshot() []*models.Issue {
	return t.GetAll()
}

// Restore replaces the tracker contents from a session snapshot.
func (t *Tracker) Restore(issues []*models.Issue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issues = make(map[string]*models.Issue, len(issues))
	t.byTitle = make(map[string]string, len(issues))
	for _, issue := range issues {
		if issue == nil || issue.ID == "" {
			continue
		}
		clone := issue.Clone()
		t.issues[clone.ID] = clone
		if _, ok := t.byTitle[titleKey(clone.Title)]; !ok {
			t.byTitle[titleKey(clone.Title)] = clone.ID
		}
	}
}

func titleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
