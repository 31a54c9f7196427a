package worker

import (
	"strings"
	"testing"
	"time"

	"github.com/harrison/autodev/internal/config"
)

func testTimeouts() config.SlowToolTimeouts {
	return config.SlowToolTimeouts{
		CodexMins:      60,
		GeminiMins:     60,
		NpmInstallMins: 15,
		NpmBuildMins:   20,
		DefaultMins:    10,
	}
}

func TestCategorizeTool(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		want  ToolCategory
	}{
		{name: "codex mcp tool", tool: "mcp__codex__codex", input: "", want: CategoryCodex},
		{name: "codex via input", tool: "Bash", input: "command codex exec --task fix", want: CategoryCodex},
		{name: "gemini mcp tool", tool: "mcp__gemini__ask-gemini", input: "", want: CategoryGemini},
		{name: "npm install", tool: "Bash", input: "command npm install", want: CategoryNpmInstall},
		{name: "npm ci counts as default", tool: "Bash", input: "command npm ci", want: CategoryDefault},
		{name: "npm build", tool: "Bash", input: "command npm run build", want: CategoryNpmBuild},
		{name: "plain read", tool: "Read", input: "file_path main.go", want: CategoryDefault},
		{name: "case insensitive", tool: "BASH", input: "command NPM INSTALL", want: CategoryNpmInstall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeTool(tt.tool, tt.input); got != tt.want {
				t.Errorf("CategorizeTool(%q, %q) = %q, want %q", tt.tool, tt.input, got, tt.want)
			}
		})
	}
}

func TestCategoryTimeout(t *testing.T) {
	timeouts := testTimeouts()
	if got := CategoryTimeout(timeouts, CategoryCodex); got != 60*time.Minute {
		t.Errorf("codex timeout = %v", got)
	}
	if got := CategoryTimeout(timeouts, CategoryNpmInstall); got != 15*time.Minute {
		t.Errorf("npmInstall timeout = %v", got)
	}
	if got := CategoryTimeout(timeouts, CategoryDefault); got != 10*time.Minute {
		t.Errorf("default timeout = %v", got)
	}

	timeouts.CodexMins = 0
	if got := CategoryTimeout(timeouts, CategoryCodex); got != 0 {
		t.Errorf("disabled codex timeout = %v, want 0", got)
	}
	timeouts.DefaultMins = -5
	if got := CategoryTimeout(timeouts, CategoryDefault); got != 0 {
		t.Errorf("negative default timeout = %v, want 0", got)
	}
}

func TestSlowToolLongestDeadlineWins(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tr.Use("t1", "mcp__codex__codex", CategoryCodex, false, now)
	tr.Use("t2", "Read", CategoryDefault, false, now.Add(time.Minute))

	info, deadline, ok := tr.Slow()
	if !ok {
		t.Fatal("expected an active slow tool")
	}
	if info.ID != "t1" {
		t.Errorf("slow tool = %s, want the longer-deadline codex call", info.ID)
	}
	if want := now.Add(60 * time.Minute); !deadline.Equal(want) {
		t.Errorf("deadline = %v, want %v", deadline, want)
	}
}

func TestSlowToolUnboundedOutlastsBounded(t *testing.T) {
	timeouts := testTimeouts()
	timeouts.CodexMins = 0 // unbounded
	tr := NewToolTracker(timeouts)
	now := time.Now()

	tr.Use("t1", "Read", CategoryDefault, false, now)
	tr.Use("t2", "mcp__codex__codex", CategoryCodex, false, now)

	info, deadline, ok := tr.Slow()
	if !ok || info.ID != "t2" {
		t.Fatalf("slow = %+v, ok=%v; want the unbounded codex call", info, ok)
	}
	if !deadline.IsZero() {
		t.Errorf("deadline = %v, want zero for an unbounded category", deadline)
	}
}

func TestSyncResultClearsSlow(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Now()

	tr.Use("t1", "Read", CategoryDefault, false, now)
	out := tr.Result("t1", "file contents", now)
	if out.Tool != "Read" || out.Category != CategoryDefault {
		t.Errorf("outcome = %+v", out)
	}
	if _, _, ok := tr.Slow(); ok {
		t.Error("slow state survived a synchronous result with no background tasks")
	}
	if tr.CurrentTool() != "" {
		t.Errorf("CurrentTool = %q, want empty", tr.CurrentTool())
	}
}

func TestResultUnknownIDIgnored(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Now()

	tr.Use("t1", "Read", CategoryDefault, false, now)
	out := tr.Result("unknown", "text", now)
	if out.Tool != "" {
		t.Errorf("outcome for unknown id = %+v", out)
	}
	if _, _, ok := tr.Slow(); !ok {
		t.Error("slow state was cleared by an unmatched result")
	}
	if len(tr.OpenCalls()) != 1 {
		t.Errorf("open calls = %d, want 1", len(tr.OpenCalls()))
	}
}

func TestBackgroundLauncherKeepsSlowState(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Now()

	tr.Use("t1", "Bash", CategoryCodex, true, now)
	out := tr.Result("t1", "Started codex task with ID: bg-123", now)
	if out.BackgroundStarted != "bg-123" {
		t.Fatalf("BackgroundStarted = %q, want bg-123", out.BackgroundStarted)
	}
	if tr.PendingBackground() != 1 {
		t.Fatalf("PendingBackground = %d", tr.PendingBackground())
	}
	if _, _, ok := tr.Slow(); !ok {
		t.Error("slow state cleared while a background task is pending")
	}

	// A later synchronous result still must not clear it.
	tr.Use("t2", "Read", CategoryDefault, false, now)
	tr.Result("t2", "file contents", now)
	if _, _, ok := tr.Slow(); !ok {
		t.Error("synchronous result cleared slow state despite pending background task")
	}
}

func TestTaskOutputRetiresBackgroundAndClearsSlow(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Now()

	tr.Use("t1", "Bash", CategoryCodex, true, now)
	tr.Result("t1", "Launched with ID: bg-123", now)

	tr.Use("t2", taskOutputTool, CategoryDefault, false, now)
	out := tr.Result("t2", "Task bg-123 completed successfully", now)
	if len(out.BackgroundDone) != 1 || out.BackgroundDone[0] != "bg-123" {
		t.Fatalf("BackgroundDone = %v", out.BackgroundDone)
	}
	if tr.PendingBackground() != 0 {
		t.Errorf("PendingBackground = %d, want 0", tr.PendingBackground())
	}
	if _, _, ok := tr.Slow(); ok {
		t.Error("slow state survived after the last background task finished")
	}
}

func TestTaskOutputIgnoresNonTerminalStatus(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "still running", text: "Task bg-123 is still running, 40% complete"},
		{name: "negated done", text: "bg-123 is not done yet"},
		{name: "failed to complete", text: "bg-123 failed to complete the build step"},
		{name: "status far from id", text: "bg-123 " + strings.Repeat("x", 120) + " done"},
		{name: "different id", text: "Task bg-999 completed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewToolTracker(testTimeouts())
			now := time.Now()
			tr.Use("t1", "Bash", CategoryCodex, true, now)
			tr.Result("t1", "Launched with ID: bg-123", now)

			tr.Use("t2", taskOutputTool, CategoryDefault, false, now)
			out := tr.Result("t2", tt.text, now)
			if len(out.BackgroundDone) != 0 {
				t.Errorf("BackgroundDone = %v, want none", out.BackgroundDone)
			}
			if tr.PendingBackground() != 1 {
				t.Errorf("PendingBackground = %d, want 1", tr.PendingBackground())
			}
		})
	}
}

func TestTaskOutputTerminalWords(t *testing.T) {
	words := []string{
		"completed", "failed", "cancelled", "success", "error", "done",
		"finished", "exited", "timeout", "killed", "terminated", "aborted",
		"completed_with_errors",
	}
	for _, word := range words {
		t.Run(word, func(t *testing.T) {
			tr := NewToolTracker(testTimeouts())
			now := time.Now()
			tr.Use("t1", "Bash", CategoryGemini, true, now)
			tr.Result("t1", "Started with ID: job-7", now)

			tr.Use("t2", taskOutputTool, CategoryDefault, false, now)
			out := tr.Result("t2", "job-7 status: "+word, now)
			if len(out.BackgroundDone) != 1 {
				t.Errorf("word %q did not retire the task", word)
			}
		})
	}
}

func TestExtractBackgroundID(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "with id phrase", text: "Started Codex task with ID: abc-123", want: "abc-123"},
		{name: "task_id field", text: `{"task_id": "xyz.9", "status": "running"}`, want: "xyz.9"},
		{name: "bare id field", text: `{"id": "q-1"}`, want: "q-1"},
		{name: "id equals", text: "launched id=run42 in background", want: "run42"},
		{name: "no id", text: "background task launched", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractBackgroundID(tt.text); got != tt.want {
				t.Errorf("extractBackgroundID(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestBackgroundLauncherWithoutIDClearsNothing(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Now()

	tr.Use("t1", "Bash", CategoryCodex, true, now)
	out := tr.Result("t1", "launched detached, no identifier printed", now)
	if out.BackgroundStarted != "" {
		t.Errorf("BackgroundStarted = %q, want empty", out.BackgroundStarted)
	}
	// With no registered id there is nothing to wait for.
	if tr.PendingBackground() != 0 {
		t.Errorf("PendingBackground = %d, want 0", tr.PendingBackground())
	}
	if _, _, ok := tr.Slow(); ok {
		t.Error("slow state kept with no pending background task")
	}
}

func TestOpenCallsOldestFirst(t *testing.T) {
	tr := NewToolTracker(testTimeouts())
	now := time.Now()

	tr.Use("t2", "Write", CategoryDefault, false, now.Add(time.Second))
	tr.Use("t1", "Read", CategoryDefault, false, now)

	calls := tr.OpenCalls()
	if len(calls) != 2 || calls[0].ID != "t1" || calls[1].ID != "t2" {
		t.Errorf("OpenCalls = %+v, want t1 before t2", calls)
	}
}
