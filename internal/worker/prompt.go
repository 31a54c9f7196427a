package worker

import (
	"fmt"
	"strings"

	"github.com/harrison/autodev/internal/models"
)

// issueMarker prefixes the plain-text defect lines the agent may emit.
const issueMarker = "AUTO_DEV_ISSUE:"

// delegationTools maps a persona provider to the MCP tool the primary
// agent must call when the task is delegated cross-model. The shared
// provider is absent: shared personas shape the primary agent itself.
var delegationTools = map[string]string{
	models.ProviderCodex:  "mcp__codex__codex",
	models.ProviderGemini: "mcp__gemini__ask-gemini",
}

const openingDirective = `Work on task %s from the plan file %s.

Open the plan file and read the block under the "### %s" heading. Complete everything the block asks for, keeping changes inside the task's scope. When the work is finished, summarize what changed and stop.

If you find a defect you cannot fix within this task, report it on its own line as:
%s {"title":"<short summary>","severity":"warning|error|blocker","files":["<path>"]}`

const recoveryDirective = `A previous run of task %s from the plan file %s was interrupted by a provider API error and may have left edits half-applied.

Run git status and git diff first to see what state the working tree is in. Repair any partial or inconsistent edits, then resume the task from where the work actually stands instead of starting over. When the work is finished, summarize what changed and stop.

If you find a defect you cannot fix within this task, report it on its own line as:
%s {"title":"<short summary>","severity":"warning|error|blocker","files":["<path>"]}`

const delegationDirective = `MANDATORY DELEGATION: this task belongs to the %s provider. Route the implementation through the %s tool: give it the task context, let it produce the changes, and review its output before finishing. Do not write the implementation yourself.`

// PromptInput carries everything the startup prompt is assembled from.
// PersonaPrompt and IssuesDigest are optional; the caller loads them.
type PromptInput struct {
	Task          *models.Task
	PlanPath      string
	PersonaPrompt string
	IssuesDigest  string
}

// BuildStartupPrompt assembles the first user message sent to a freshly
// spawned agent: delegation hint, then persona prompt, then the opening
// directive naming the task id and plan file. A task interrupted by an
// API error gets the recovery directive instead. Integration tasks carry
// the open-issues digest at the end.
func BuildStartupPrompt(in PromptInput) string {
	if in.Task == nil {
		return ""
	}
	id := models.NormalizeTaskID(in.Task.ID)

	var sb strings.Builder
	if hint := DelegationHint(in.Task); hint != "" {
		sb.WriteString(hint)
		sb.WriteString("\n\n")
	}
	if in.PersonaPrompt != "" {
		sb.WriteString(in.PersonaPrompt)
		sb.WriteString("\n\n")
	}

	if in.Task.HasModifiedCode || in.Task.IsAPIErrorRecovery {
		sb.WriteString(fmt.Sprintf(recoveryDirective, id, in.PlanPath, issueMarker))
	} else {
		sb.WriteString(fmt.Sprintf(openingDirective, id, in.PlanPath, id, issueMarker))
	}

	if in.IssuesDigest != "" && in.Task.IsIntegration() {
		sb.WriteString("\n\n")
		sb.WriteString(in.IssuesDigest)
	}
	return sb.String()
}

// DelegationHint returns the mandatory-delegation preamble for tasks whose
// persona routes to a non-primary provider, "" when the primary agent
// works the task itself.
func DelegationHint(task *models.Task) string {
	if task == nil || task.Persona == nil {
		return ""
	}
	tool, ok := delegationTools[task.Persona.Provider]
	if !ok {
		return ""
	}
	return fmt.Sprintf(delegationDirective, task.Persona.Provider, tool)
}

// DelegationTarget names the MCP tool a task's work is routed through, ""
// when the primary agent keeps it. The scheduler records this for
// observability.
func DelegationTarget(task *models.Task) string {
	if task == nil || task.Persona == nil {
		return ""
	}
	return delegationTools[task.Persona.Provider]
}
