package models

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// IssueSeverity orders issue impact. Merging duplicates keeps the widest
// severity seen.
type IssueSeverity string

const (
	SeverityWarning IssueSeverity = "warning"
	SeverityError   IssueSeverity = "error"
	SeverityBlocker IssueSeverity = "blocker"
)

// Rank returns the ordering weight: warning < error < blocker.
func (s IssueSeverity) Rank() int {
	switch s {
	case SeverityError:
		return 1
	case SeverityBlocker:
		return 2
	default:
		return 0
	}
}

// ParseIssueSeverity lowercases and validates a severity token.
func ParseIssueSeverity(raw string) (IssueSeverity, bool) {
	switch IssueSeverity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityWarning:
		return SeverityWarning, true
	case SeverityError:
		return SeverityError, true
	case SeverityBlocker:
		return SeverityBlocker, true
	}
	return "", false
}

// MaxSeverity returns the wider of two severities.
func MaxSeverity(a, b IssueSeverity) IssueSeverity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// IssueStatus is the workflow state of a tracked issue.
type IssueStatus string

const (
	IssueOpen    IssueStatus = "open"
	IssueFixed   IssueStatus = "fixed"
	IssueIgnored IssueStatus = "ignored"
)

// ValidIssueStatus reports whether s is a known issue status.
func ValidIssueStatus(s IssueStatus) bool {
	switch s {
	case IssueOpen, IssueFixed, IssueIgnored:
		return true
	}
	return false
}

// Issue is a deduplicated defect or progress report emitted by a worker.
type Issue struct {
	ID               string        `json:"id"` // dedup key
	CreatedAt        time.Time     `json:"createdAt"`
	ReporterTaskID   string        `json:"reporterTaskId,omitempty"`
	ReporterWorkerID string        `json:"reporterWorkerId,omitempty"`
	OwnerTaskID      string        `json:"ownerTaskId,omitempty"`
	Severity         IssueSeverity `json:"severity"`
	Title            string        `json:"title"`
	Details          string        `json:"details,omitempty"`
	Files            []string      `json:"files,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	Status           IssueStatus   `json:"status"`
	Occurrences      int           `json:"occurrences"`
}

// IssueDedupKey computes the content address for an issue: the first 12 hex
// chars of SHA-1 over "sig:<signature>" when a signature is supplied, else
// over "titleFiles:<title><sorted unique files>".
func IssueDedupKey(signature, title string, files []string) string {
	var input string
	if signature != "" {
		input = "sig:" + signature
	} else {
		uniq := make([]string, 0, len(files))
		seen := make(map[string]bool, len(files))
		for _, f := range files {
			f = strings.TrimSpace(f)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			uniq = append(uniq, f)
		}
		sort.Strings(uniq)
		input = "titleFiles:" + title + strings.Join(uniq, "")
	}

	sum := sha1.Sum([]byte(input))
	return hex.EncodeToString(sum[:])[:12]
}

// Clone returns a copy safe to hand outside the tracker.
func (i *Issue) Clone() *Issue {
	c := *i
	if i.Files != nil {
		c.Files = append([]string(nil), i.Files...)
	}
	return &c
}
