package worker

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/config"
)

// ToolCategory buckets tool calls for slow-tool deadlines. Categories are
// inferred from the tool name plus a substring scan of its input.
type ToolCategory string

const (
	CategoryCodex      ToolCategory = "codex"
	CategoryGemini     ToolCategory = "gemini"
	CategoryNpmInstall ToolCategory = "npmInstall"
	CategoryNpmBuild   ToolCategory = "npmBuild"
	CategoryDefault    ToolCategory = "default"
)

// taskOutputTool is the polling tool whose results report background task
// progress.
const taskOutputTool = "TaskOutput"

// backgroundFlag marks a tool input that launches its work detached.
const backgroundFlag = "run_in_background"

// CategorizeTool infers the category from the tool name and the flattened
// input text.
func CategorizeTool(name, inputText string) ToolCategory {
	hay := strings.ToLower(name + " " + inputText)
	switch {
	case strings.Contains(hay, "codex"):
		return CategoryCodex
	case strings.Contains(hay, "gemini"):
		return CategoryGemini
	case strings.Contains(hay, "npm") && strings.Contains(hay, "install"):
		return CategoryNpmInstall
	case strings.Contains(hay, "npm") && strings.Contains(hay, "build"):
		return CategoryNpmBuild
	default:
		return CategoryDefault
	}
}

// CategoryTimeout maps a category to its configured deadline. Values <= 0
// disable the deadline for that category.
func CategoryTimeout(t config.SlowToolTimeouts, cat ToolCategory) time.Duration {
	mins := t.DefaultMins
	switch cat {
	case CategoryCodex:
		mins = t.CodexMins
	case CategoryGemini:
		mins = t.GeminiMins
	case CategoryNpmInstall:
		mins = t.NpmInstallMins
	case CategoryNpmBuild:
		mins = t.NpmBuildMins
	}
	if mins <= 0 {
		return 0
	}
	return time.Duration(mins) * time.Minute
}

// ToolCallInfo describes one open tool call for diagnosis.
type ToolCallInfo struct {
	ID       string
	Name     string
	Category ToolCategory
	Started  time.Time
}

// ResultOutcome describes what a tool_result did to the tracker state.
type ResultOutcome struct {
	Tool     string
	Category ToolCategory

	// BackgroundStarted is the background task id a detached launcher
	// registered, "" when none.
	BackgroundStarted string

	// BackgroundDone lists background ids a TaskOutput poll retired.
	BackgroundDone []string
}

type toolCall struct {
	id         string
	name       string
	category   ToolCategory
	background bool
	started    time.Time
	deadline   time.Time // zero = unbounded
}

// ToolTracker follows a worker's open tool calls, its slow-tool state and
// its pending background tasks.
//
// The slow-tool state is the call whose deadline reaches furthest into the
// future; a later call with a shorter timeout never shrinks it. Any
// synchronous result clears the state, but only once no background tasks
// are pending.
type ToolTracker struct {
	timeouts config.SlowToolTimeouts

	mu         sync.Mutex
	open       map[string]*toolCall
	slow       *toolCall
	background map[string]struct{}
}

// NewToolTracker creates a tracker using the given per-category timeouts.
func NewToolTracker(timeouts config.SlowToolTimeouts) *ToolTracker {
	return &ToolTracker{
		timeouts:   timeouts,
		open:       make(map[string]*toolCall),
		background: make(map[string]struct{}),
	}
}

// Use records a tool_use block.
func (t *ToolTracker) Use(id, name string, cat ToolCategory, background bool, now time.Time) {
	call := &toolCall{
		id:         id,
		name:       name,
		category:   cat,
		background: background,
		started:    now,
	}
	if timeout := CategoryTimeout(t.timeouts, cat); timeout > 0 {
		call.deadline = now.Add(timeout)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[id] = call
	if t.slow == nil || outlasts(call, t.slow) {
		t.slow = call
	}
}

// outlasts reports whether a's deadline reaches past b's. An unbounded
// deadline outlasts every bounded one.
func outlasts(a, b *toolCall) bool {
	switch {
	case a.deadline.IsZero():
		return !b.deadline.IsZero()
	case b.deadline.IsZero():
		return false
	default:
		return a.deadline.After(b.deadline)
	}
}

// Result resolves the tool_use matching a tool_result block. Unknown ids
// leave the tracker untouched.
func (t *ToolTracker) Result(id, text string, now time.Time) ResultOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.open[id]
	if !ok {
		return ResultOutcome{}
	}
	delete(t.open, id)

	out := ResultOutcome{Tool: call.name, Category: call.category}
	switch {
	case call.background && (call.category == CategoryCodex || call.category == CategoryGemini):
		if bgID := extractBackgroundID(text); bgID != "" {
			t.background[bgID] = struct{}{}
			out.BackgroundStarted = bgID
		}
	case call.name == taskOutputTool:
		out.BackgroundDone = t.retireFinishedLocked(text)
	}

	if len(t.background) == 0 {
		t.slow = nil
	}
	return out
}

// Slow returns the current slow-tool call and its deadline. A zero
// deadline means the category is unbounded.
func (t *ToolTracker) Slow() (info ToolCallInfo, deadline time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slow == nil {
		return ToolCallInfo{}, time.Time{}, false
	}
	c := t.slow
	return ToolCallInfo{ID: c.id, Name: c.name, Category: c.category, Started: c.started}, c.deadline, true
}

// CurrentTool names the slow-tool call, "" when none is active.
func (t *ToolTracker) CurrentTool() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slow == nil {
		return ""
	}
	return t.slow.name
}

// PendingBackground counts background tasks not yet observed terminal.
func (t *ToolTracker) PendingBackground() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.background)
}

// OpenCalls snapshots the open tool calls, oldest first.
func (t *ToolTracker) OpenCalls() []ToolCallInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]ToolCallInfo, 0, len(t.open))
	for _, c := range t.open {
		calls = append(calls, ToolCallInfo{ID: c.id, Name: c.name, Category: c.category, Started: c.started})
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Started.Before(calls[j].Started) })
	return calls
}

// retireFinishedLocked removes every pending background id that text
// reports terminal and returns them sorted.
func (t *ToolTracker) retireFinishedLocked(text string) []string {
	if len(t.background) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var done []string
	for id := range t.background {
		if backgroundTaskFinished(lower, strings.ToLower(id)) {
			done = append(done, id)
		}
	}
	sort.Strings(done)
	for _, id := range done {
		delete(t.background, id)
	}
	return done
}

// backgroundIDPatterns pull a task id out of a launcher's result text,
// most specific first.
var backgroundIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)with id[:\s]+["']?([A-Za-z0-9][\w.-]*)`),
	regexp.MustCompile(`(?i)\btask[_ ]?id["']?\s*[:=]\s*["']?([A-Za-z0-9][\w.-]*)`),
	regexp.MustCompile(`(?i)\bid["']?\s*[:=]\s*["']?([A-Za-z0-9][\w.-]*)`),
}

func extractBackgroundID(text string) string {
	for _, p := range backgroundIDPatterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// statusProximity is how close (in characters) a terminal status word must
// sit to the task id it describes.
const statusProximity = 100

// terminalStatusPattern matches the words that mark a background task
// finished. Longer alternatives come first so completed_with_errors is not
// shadowed by completed.
var terminalStatusPattern = regexp.MustCompile(`\b(?:completed_with_errors|completed|cancelled|terminated|finished|aborted|success|timeout|exited|failed|killed|error|done)\b`)

// negationBefore tokens directly preceding a status word void the match.
var negationBefore = []string{"not ", "n't ", "never ", "cannot ", "unable to ", "yet to "}

// backgroundTaskFinished reports whether lower-cased text contains a
// non-negated terminal status word within statusProximity characters of
// the lower-cased id.
func backgroundTaskFinished(lower, id string) bool {
	matches := terminalStatusPattern.FindAllStringIndex(lower, -1)
	if len(matches) == 0 {
		return false
	}

	from := 0
	for {
		i := strings.Index(lower[from:], id)
		if i < 0 {
			return false
		}
		idStart := from + i
		idEnd := idStart + len(id)
		for _, m := range matches {
			if negatedStatus(lower, m[0], m[1]) {
				continue
			}
			if spanGap(idStart, idEnd, m[0], m[1]) <= statusProximity {
				return true
			}
		}
		from = idEnd
	}
}

// negatedStatus reports whether the status word at [start,end) is part of
// a negative phrase such as "not done" or "failed to complete".
func negatedStatus(text string, start, end int) bool {
	lo := start - 24
	if lo < 0 {
		lo = 0
	}
	before := text[lo:start]
	for _, tok := range negationBefore {
		if strings.Contains(before, tok) {
			return true
		}
	}
	return strings.HasPrefix(text[end:], " to ")
}

// spanGap returns the character distance separating two spans, 0 when they
// touch or overlap.
func spanGap(aStart, aEnd, bStart, bEnd int) int {
	if aEnd <= bStart {
		return bStart - aEnd
	}
	if bEnd <= aStart {
		return aStart - bEnd
	}
	return 0
}
