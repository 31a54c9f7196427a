package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/harrison/autodev/internal/worker"
)

// aiConsulter runs the diagnosis agent and returns its raw output.
type aiConsulter func(ctx context.Context, prompt string) (string, error)

// aiVerdict is the single JSON object the diagnosis agent must reply with.
type aiVerdict struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// aiPromptHeader demands JSON-only output the same way every agent
// invocation in this codebase does.
const aiPromptHeader = `You are diagnosing a possibly-stuck coding-agent worker. Decide whether it should be restarted. Your ONLY output must be one JSON object of the form {"action":"restart"|"wait"|"need_ai","reason":"<short explanation>"}. No markdown, no prose around it.`

// consultAI escalates a rule-layer need_ai verdict to the diagnosis
// agent. Outcomes (including failures) are cached per worker so one stuck
// worker does not spawn an agent on every sweep.
func (d *Watchdog) consultAI(ruleDiag Diagnosis, e entry, quiet time.Duration, tail string) Diagnosis {
	if cached, ok := d.cachedVerdict(ruleDiag.WorkerID); ok {
		return cached
	}

	ctx := context.Background()
	if timeout := d.cfg.AITimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	diag := ruleDiag
	diag.Source = "ai"
	out, err := d.ai(ctx, buildAIPrompt(ruleDiag, e, quiet, tail))
	switch {
	case err != nil:
		diag.Verdict = VerdictNeedAI
		diag.Reason = fmt.Sprintf("diagnosis agent failed: %v", err)
	default:
		v, perr := parseAIVerdict(out)
		if perr != nil {
			diag.Verdict = VerdictNeedAI
			diag.Reason = fmt.Sprintf("diagnosis reply unusable: %v", perr)
		} else {
			diag.Verdict = Verdict(v.Action)
			diag.Reason = v.Reason
		}
	}

	d.storeVerdict(diag)
	return diag
}

func (d *Watchdog) cachedVerdict(workerID string) (Diagnosis, bool) {
	if d.verdicts == nil {
		return Diagnosis{}, false
	}
	v, ok := d.verdicts.Get(workerID)
	if !ok {
		return Diagnosis{}, false
	}
	diag, ok := v.(Diagnosis)
	return diag, ok
}

func (d *Watchdog) storeVerdict(diag Diagnosis) {
	if d.verdicts != nil {
		d.verdicts.Set(diag.WorkerID, diag, cache.DefaultExpiration)
	}
}

// buildAIPrompt renders the structured worker state the agent judges
// from: identity, idleness, open tool calls and the recent log tail.
func buildAIPrompt(diag Diagnosis, e entry, quiet time.Duration, tail string) string {
	var sb strings.Builder
	sb.WriteString(aiPromptHeader)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "worker: %s\n", diag.WorkerID)
	fmt.Fprintf(&sb, "task: %s\n", diag.TaskID)
	fmt.Fprintf(&sb, "pid: %d\n", e.probe.PID())
	fmt.Fprintf(&sb, "idle: %s\n", quiet.Round(time.Second))

	calls := e.probe.OpenToolCalls()
	if len(calls) == 0 {
		sb.WriteString("open tool calls: none\n")
	} else {
		sb.WriteString("open tool calls:\n")
		now := time.Now()
		for _, c := range calls {
			fmt.Fprintf(&sb, "- %s (%s) open for %s\n", c.Name, c.Category, now.Sub(c.Started).Round(time.Second))
		}
	}

	sb.WriteString("log tail:\n")
	if strings.TrimSpace(tail) == "" {
		sb.WriteString("(empty)\n")
	} else {
		sb.WriteString(tail)
		sb.WriteString("\n")
	}
	return sb.String()
}

// parseAIVerdict extracts and validates the {action, reason} object from
// the agent's output.
func parseAIVerdict(out string) (aiVerdict, error) {
	payload, ok := worker.FirstJSONObject(out)
	if !ok {
		return aiVerdict{}, fmt.Errorf("no JSON object in reply")
	}
	var v aiVerdict
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		return aiVerdict{}, fmt.Errorf("decode reply: %w", err)
	}
	switch Verdict(v.Action) {
	case VerdictRestart, VerdictWait, VerdictNeedAI:
		return v, nil
	default:
		return aiVerdict{}, fmt.Errorf("unknown action %q", v.Action)
	}
}

// runAICommand is the default consulter: it executes the configured
// diagnosis command with the prompt as its final argument and captures
// combined output.
func (d *Watchdog) runAICommand(ctx context.Context, prompt string) (string, error) {
	fields := strings.Fields(d.cfg.AICommand)
	if len(fields) == 0 {
		return "", fmt.Errorf("no diagnosis command configured")
	}
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], prompt)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("diagnosis command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
