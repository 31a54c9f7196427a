// Package worker supervises the agent child processes that execute tasks.
//
// A Worker owns exactly one child running the agent CLI in line-delimited
// JSON mode: it dispatches the startup prompt on stdin, demultiplexes the
// stdout frame stream (text, tool use, token usage, issue reports, the
// terminal result), keeps a bounded ring of recent log lines, and enforces
// the per-worker timeouts. The Supervisor is the pool that spawns workers
// and kills them as a group.
//
// Workers never mutate scheduler state directly. Everything they observe
// is reported through the Sink, whose implementation queues the calls onto
// the scheduler's single coordinator loop.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/issues"
	"github.com/harrison/autodev/internal/logarchive"
	"github.com/harrison/autodev/internal/models"
)

// maxLineBytes bounds one stdout frame. Tool results can carry whole
// files, so the scanner buffer is generous.
const maxLineBytes = 10 * 1024 * 1024

// Sink receives everything a worker observes. The scheduler implements it
// by queueing each call onto its coordinator loop; implementations must
// not block.
type Sink interface {
	// WorkerLog is one log line. Kind is "system", "text", "tool" or
	// "stderr".
	WorkerLog(workerID, taskID, kind, text string)

	// WorkerUsage reports the cumulative token usage after each assistant
	// frame that carried usage.
	WorkerUsage(workerID, taskID string, usage models.TokenUsage)

	// TaskDetected fires once on the legacy path when a worker without a
	// pre-assigned task claims one in its stream.
	TaskDetected(workerID, taskID string)

	// IssueReported forwards a validated issue payload from the stream.
	IssueReported(workerID, taskID string, report *issues.Report)

	// Complete fires exactly once per worker.
	Complete(workerID, taskID string, res Completion)
}

// Completion is the terminal report a worker delivers exactly once.
type Completion struct {
	Success  bool
	Duration time.Duration

	// APIError is set when the stream matched a provider API error marker;
	// the scheduler routes such failures through the resilience flow.
	APIError bool

	// Reason is the human-readable failure cause ("Timeout", "Kill by
	// user", ...). Empty on success.
	Reason string
}

// CommandBuilder constructs the agent child process. Tests substitute a
// stub agent.
type CommandBuilder func(cfg config.AgentConfig) *exec.Cmd

func defaultCommand(cfg config.AgentConfig) *exec.Cmd {
	return exec.Command(cfg.Command, cfg.Args...)
}

// taskClaimPattern matches an explicit statement that the agent is working
// a particular task. Plain mentions of other ids (dependencies, file names)
// must not trip the mismatch kill, so detection is anchored to a claim
// phrase.
var taskClaimPattern = regexp.MustCompile(
	`(?i)\b(?:working on|starting|resuming|completing) task\s*[:#]?\s*(` + models.TaskIDExpr + `)`)

// Worker supervises one agent child process.
type Worker struct {
	// ID is the pool-unique worker identifier.
	ID string

	// taskID is the pre-assigned task, "" on the legacy detection path.
	taskID string

	agent    config.AgentConfig
	watchdog config.WatchdogConfig
	markers  []string // lowercased API error markers

	build CommandBuilder
	sink  Sink

	tools *ToolTracker
	ring  *logRing

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex

	readers   sync.WaitGroup
	exited    chan struct{}
	watchStop chan struct{}
	watchOnce sync.Once

	mu            sync.Mutex
	startedAt     time.Time
	lastActivity  time.Time
	usage         models.TokenUsage
	sessionID     string
	detected      string
	resultSeen    bool
	resultSuccess bool
	resultDur     time.Duration
	apiError      bool
	modifiedCode  bool
	killed        bool
	killReason    string
	completed     bool
}

// NewWorker builds a supervisor for one agent child. taskID may be empty
// for the legacy path that detects the task from the stream. The command
// builder runs at Start.
func NewWorker(id, taskID string, cfg *config.Config, build CommandBuilder, sink Sink) *Worker {
	if build == nil {
		build = defaultCommand
	}
	markers := make([]string, 0, len(cfg.APIError.Markers))
	for _, m := range cfg.APIError.Markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	return &Worker{
		ID:        id,
		taskID:    models.NormalizeTaskID(taskID),
		agent:     cfg.Agent,
		watchdog:  cfg.Watchdog,
		markers:   markers,
		build:     build,
		sink:      sink,
		tools:     NewToolTracker(cfg.Watchdog.SlowTool),
		ring:      newLogRing(logRingSize),
		exited:    make(chan struct{}),
		watchStop: make(chan struct{}),
	}
}

// Start launches the child, attaches the stream parsers and timers, and
// dispatches the startup prompt as a single user message.
func (w *Worker) Start(startupPrompt string) error {
	cmd := w.build(w.agent)
	if cmd == nil {
		return fmt.Errorf("command builder returned no command")
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent %q: %w", w.agent.Command, err)
	}

	now := time.Now()
	w.mu.Lock()
	w.cmd = cmd
	w.startedAt = now
	w.lastActivity = now
	w.mu.Unlock()

	w.stdinMu.Lock()
	w.stdin = stdin
	w.stdinMu.Unlock()

	w.readers.Add(2)
	go w.readStdout(stdout)
	go w.readStderr(stderr)
	go w.waitExit()
	go w.watchLoop()

	if err := w.SendUserMessage(startupPrompt); err != nil {
		w.Kill("failed to dispatch startup prompt")
		return fmt.Errorf("failed to dispatch startup prompt: %w", err)
	}
	return nil
}

// SendUserMessage writes one line-delimited JSON user message to the
// agent's stdin.
func (w *Worker) SendUserMessage(text string) error {
	payload := struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}{Type: "user"}
	payload.Message.Role = "user"
	payload.Message.Content = text

	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode user message: %w", err)
	}

	w.stdinMu.Lock()
	defer w.stdinMu.Unlock()
	if w.stdin == nil {
		return fmt.Errorf("agent stdin is not open")
	}
	_, err = w.stdin.Write(append(line, '\n'))
	return err
}

// Kill terminates the worker's process tree. Idempotent; the reason (when
// non-empty) is logged and carried into the failure completion.
func (w *Worker) Kill(reason string) {
	w.mu.Lock()
	if w.killed {
		w.mu.Unlock()
		return
	}
	w.killed = true
	if reason != "" && w.killReason == "" {
		w.killReason = reason
	}
	cmd := w.cmd
	w.mu.Unlock()

	if reason != "" {
		w.logLine("system", fmt.Sprintf("worker killed: %s", reason))
	}
	killTree(cmd)
}

// Done closes when the child process has exited and both streams are
// drained.
func (w *Worker) Done() <-chan struct{} { return w.exited }

// AssignedTaskID returns the pre-assigned task id, or the detected one on
// the legacy path.
func (w *Worker) AssignedTaskID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.taskID != "" {
		return w.taskID
	}
	return w.detected
}

// Usage returns the cumulative token usage observed so far.
func (w *Worker) Usage() models.TokenUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usage
}

// SessionID returns the agent session id from the system frame, "" until
// seen.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// HasModifiedCode reports whether the worker executed a write-class tool.
func (w *Worker) HasModifiedCode() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.modifiedCode
}

// APIErrorSeen reports whether the stream matched an API error marker.
func (w *Worker) APIErrorSeen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.apiError
}

// Killed reports whether termination was initiated.
func (w *Worker) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

// PID returns the child's pid, 0 before Start.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// StartedAt returns when the child was spawned.
func (w *Worker) StartedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startedAt
}

// LastActivity returns the time of the last stream line.
func (w *Worker) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// CurrentTool names the active slow tool, "" when none.
func (w *Worker) CurrentTool() string { return w.tools.CurrentTool() }

// PendingBackground counts the worker's unfinished background tasks.
func (w *Worker) PendingBackground() int { return w.tools.PendingBackground() }

// OpenToolCalls snapshots the open tool calls for diagnosis.
func (w *Worker) OpenToolCalls() []ToolCallInfo { return w.tools.OpenCalls() }

// LogBuffer copies the retained log lines for archiving.
func (w *Worker) LogBuffer() []logarchive.Entry { return w.ring.Entries() }

// LogTail renders the newest retained lines within maxBytes for the
// watchdog's error-token scan.
func (w *Worker) LogTail(maxBytes int) string { return w.ring.Tail(maxBytes) }

func (w *Worker) readStdout(r io.Reader) {
	defer w.readers.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		w.handleStdoutLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		w.logLine("system", fmt.Sprintf("stdout stream error: %v", err))
	}
}

func (w *Worker) readStderr(r io.Reader) {
	defer w.readers.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 16*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		w.touch()
		w.logLine("stderr", line)
		w.scanAPIMarkers(line)
	}
}

// handleStdoutLine demultiplexes one stdout line. Non-JSON lines and
// unknown frame types are logged and the stream continues.
func (w *Worker) handleStdoutLine(line string) {
	w.touch()
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}

	if strings.HasPrefix(trimmed, issueMarker) {
		w.handleIssueLine(trimmed)
		return
	}
	if trimmed[0] != '{' {
		w.logLine("system", trimmed)
		return
	}

	var f frame
	if err := json.Unmarshal([]byte(trimmed), &f); err != nil {
		w.logLine("system", trimmed)
		return
	}

	switch f.Type {
	case "system":
		w.handleSystemFrame(&f)
	case "assistant":
		w.handleAssistantFrame(&f)
	case "user":
		w.handleUserFrame(&f)
	case "result":
		w.handleResultFrame(&f)
	default:
		w.logLine("system", trimmed)
	}
}

func (w *Worker) handleSystemFrame(f *frame) {
	if f.SessionID != "" {
		w.mu.Lock()
		w.sessionID = f.SessionID
		w.mu.Unlock()
	}
	if f.Subtype != "" {
		w.logLine("system", fmt.Sprintf("session %s (%s)", f.SessionID, f.Subtype))
	}
}

func (w *Worker) handleAssistantFrame(f *frame) {
	if f.Message == nil {
		return
	}
	for _, block := range f.Message.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			w.logLine("text", block.Text)
			w.scanText(block.Text)
		case "tool_use":
			inputText := flattenJSON(block.Input)
			cat := CategorizeTool(block.Name, inputText)
			background := strings.Contains(inputText, backgroundFlag)
			w.tools.Use(block.ID, block.Name, cat, background, time.Now())
			w.logLine("tool", fmt.Sprintf("%s (%s)", block.Name, cat))
			if isWriteClassTool(block.Name) {
				w.mu.Lock()
				w.modifiedCode = true
				w.mu.Unlock()
			}
			w.scanText(inputText)
		}
	}
	if f.Message.Usage != nil {
		w.addUsage(f.Message.Usage)
	}
}

func (w *Worker) handleUserFrame(f *frame) {
	if f.Message == nil {
		return
	}
	for _, block := range f.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		text := contentText(block.Content)
		out := w.tools.Result(block.ToolUseID, text, time.Now())
		if out.BackgroundStarted != "" {
			w.logLine("system", fmt.Sprintf("background task %s started via %s", out.BackgroundStarted, out.Tool))
		}
		for _, id := range out.BackgroundDone {
			w.logLine("system", fmt.Sprintf("background task %s finished", id))
		}
		w.scanText(text)
	}
}

func (w *Worker) handleResultFrame(f *frame) {
	success := f.Subtype == "success"
	duration := time.Duration(f.DurationMs) * time.Millisecond

	w.mu.Lock()
	w.resultSeen = true
	w.resultSuccess = success
	w.resultDur = duration
	w.mu.Unlock()

	w.logLine("system", fmt.Sprintf("result %s (%s)", f.Subtype, duration.Round(time.Millisecond)))
	if f.Result != "" {
		w.scanText(f.Result)
	}

	if success {
		w.complete(Completion{Success: true, Duration: duration})
		w.Kill("")
	}
}

// scanText runs the cross-cutting scans on any agent-authored text: issue
// lines, task-id claims, API error markers.
func (w *Worker) scanText(text string) {
	if text == "" {
		return
	}
	w.noteTaskMention(text)
	w.scanAPIMarkers(text)
	if strings.Contains(text, issueMarker) {
		for _, ln := range strings.Split(text, "\n") {
			ln = strings.TrimSpace(ln)
			if strings.HasPrefix(ln, issueMarker) {
				w.handleIssueLine(ln)
			}
		}
	}
}

func (w *Worker) handleIssueLine(line string) {
	payload, ok := FirstJSONObject(line[len(issueMarker):])
	if !ok {
		w.logLine("system", "discarding issue line with no JSON payload")
		return
	}
	report, err := issues.ParseReport([]byte(payload))
	if err != nil {
		w.logLine("system", fmt.Sprintf("discarding issue report: %v", err))
		return
	}
	w.logLine("system", fmt.Sprintf("issue reported: %s [%s]", report.Title, report.Severity))
	if w.sink != nil {
		w.sink.IssueReported(w.ID, w.AssignedTaskID(), report)
	}
}

// noteTaskMention enforces task-id trust. A pre-assigned worker is killed
// when the stream claims a different task; a legacy worker adopts the
// first id it sees.
func (w *Worker) noteTaskMention(text string) {
	if w.taskID != "" {
		m := taskClaimPattern.FindStringSubmatch(text)
		if m == nil {
			return
		}
		claimed := models.NormalizeTaskID(m[1])
		if claimed != "" && claimed != w.taskID {
			w.logLine("system", fmt.Sprintf("task mismatch: assigned %s but agent claims %s", w.taskID, claimed))
			w.Kill("task mismatch")
		}
		return
	}

	w.mu.Lock()
	already := w.detected != ""
	w.mu.Unlock()
	if already {
		return
	}
	id := models.NormalizeTaskID(models.TaskIDPattern.FindString(text))
	if id == "" || !models.ValidTaskID(id) {
		return
	}
	w.mu.Lock()
	if w.detected != "" {
		w.mu.Unlock()
		return
	}
	w.detected = id
	w.mu.Unlock()
	w.logLine("system", fmt.Sprintf("detected task %s", id))
	if w.sink != nil {
		w.sink.TaskDetected(w.ID, id)
	}
}

func (w *Worker) scanAPIMarkers(text string) {
	w.mu.Lock()
	seen := w.apiError
	w.mu.Unlock()
	if seen {
		return
	}
	lower := strings.ToLower(text)
	for _, m := range w.markers {
		if strings.Contains(lower, m) {
			w.mu.Lock()
			w.apiError = true
			w.mu.Unlock()
			w.logLine("system", fmt.Sprintf("API error marker %q in agent output", m))
			return
		}
	}
}

func (w *Worker) addUsage(u *usageBody) {
	sample := models.TokenUsage{
		InputTokens:     u.InputTokens,
		OutputTokens:    u.OutputTokens,
		CacheReadTokens: u.CacheReadInputTokens,
	}
	w.mu.Lock()
	w.usage.Add(sample)
	total := w.usage
	w.mu.Unlock()
	if w.sink != nil {
		w.sink.WorkerUsage(w.ID, w.AssignedTaskID(), total)
	}
}

func (w *Worker) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *Worker) logLine(kind, text string) {
	w.ring.Add(kind, text)
	if w.sink != nil {
		w.sink.WorkerLog(w.ID, w.AssignedTaskID(), kind, text)
	}
}

// waitExit waits for the streams to drain and the child to exit, then
// derives the failure completion. The success path completed already when
// the result frame arrived.
func (w *Worker) waitExit() {
	w.readers.Wait()
	err := w.cmd.Wait()
	w.stopWatch()

	w.mu.Lock()
	resultSeen := w.resultSeen
	resultSuccess := w.resultSuccess
	duration := w.resultDur
	reason := w.killReason
	started := w.startedAt
	w.mu.Unlock()

	if duration <= 0 {
		duration = time.Since(started)
	}

	res := Completion{Duration: duration}
	switch {
	case reason != "":
		res.Reason = reason
	case !resultSeen && err != nil:
		res.Reason = fmt.Sprintf("agent process exited: %v", err)
	case !resultSeen:
		res.Reason = "agent stream closed without a result frame"
	case !resultSuccess:
		res.Reason = "agent reported failure"
	case err != nil:
		res.Reason = fmt.Sprintf("agent exited non-zero after success result: %v", err)
	default:
		res.Success = true
	}

	w.complete(res)
	close(w.exited)
}

// complete dispatches the terminal report exactly once.
func (w *Worker) complete(res Completion) {
	w.mu.Lock()
	if w.completed {
		w.mu.Unlock()
		return
	}
	w.completed = true
	if w.apiError {
		res.APIError = true
	}
	w.mu.Unlock()

	w.stopWatch()
	if w.sink != nil {
		w.sink.Complete(w.ID, w.AssignedTaskID(), res)
	}
}

func (w *Worker) stopWatch() {
	w.watchOnce.Do(func() { close(w.watchStop) })
}

// watchLoop enforces the per-worker timeouts on the configured interval.
func (w *Worker) watchLoop() {
	interval := w.watchdog.CheckInterval()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-w.watchStop:
			return
		case now := <-t.C:
			w.checkTimeouts(now)
		}
	}
}

// checkTimeouts applies, in order: the hard total-time cap (deferred while
// background tasks pend), the slow-tool deadline (which suppresses the
// idle check while a slow tool is active), and the idle timeout.
func (w *Worker) checkTimeouts(now time.Time) {
	w.mu.Lock()
	if w.completed || w.killed {
		w.mu.Unlock()
		return
	}
	started := w.startedAt
	lastActivity := w.lastActivity
	w.mu.Unlock()

	if hard := w.watchdog.HardTimeout(); hard > 0 && now.Sub(started) > hard {
		if w.tools.PendingBackground() == 0 {
			w.logLine("system", fmt.Sprintf("hard time cap %s exceeded", hard))
			w.Kill("Timeout")
			return
		}
	}

	if info, deadline, ok := w.tools.Slow(); ok {
		if !deadline.IsZero() && now.After(deadline) {
			w.logLine("system", fmt.Sprintf("slow tool %s (%s) exceeded %s",
				info.Name, info.Category, CategoryTimeout(w.watchdog.SlowTool, info.Category)))
			w.Kill("Timeout")
		}
		return
	}

	if idle := w.watchdog.ActivityTimeout(); idle > 0 && now.Sub(lastActivity) > idle {
		w.logLine("system", fmt.Sprintf("no activity for %s", idle))
		w.Kill("Timeout")
	}
}

// isWriteClassTool reports whether a tool name implies the agent edited
// files. Used to flag hasModifiedCode for API error recovery.
func isWriteClassTool(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "edit") || strings.Contains(n, "write") || strings.Contains(n, "patch")
}
