package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/harrison/autodev/internal/models"
)

// fieldPattern builds the matcher for one "**name**: value" metadata line.
// Fields usually appear as list items; bullet and indentation are optional,
// and both ASCII and full-width colons separate name from value.
func fieldPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^\s*(?:[-+*]\s+)?\*\*` + name + `\*\*\s*[:：]\s*(.*)$`)
}

var (
	statusField   = fieldPattern("状态")
	dependsField  = fieldPattern("依赖")
	estimateField = fieldPattern("预估上下文")
	personaField  = fieldPattern("Persona")
	scopeField    = fieldPattern("Scope")
	outputField   = fieldPattern("输出")

	// checkboxPattern matches task checkbox lines. The mark drives status
	// derivation; '-', '+' and '*' bullets and indentation are all accepted.
	checkboxPattern = regexp.MustCompile(`(?m)^\s*[-+*]\s+\[([ xX~!])\]`)

	// parenNotePattern strips parenthetical notes from field values, e.g.
	// "FE-1.1 (登录页), BE-2.1（接口）" -> "FE-1.1 , BE-2.1".
	parenNotePattern = regexp.MustCompile(`\([^)]*\)|（[^）]*）`)

	// closingHashPattern strips an ATX closing sequence from heading titles.
	closingHashPattern = regexp.MustCompile(`\s+#+\s*$`)

	// estimatePattern finds the numeric part of a context estimate,
	// optionally scaled by a 'k' suffix ("60k", "1.5k", "8000").
	estimatePattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*([kK])?`)
)

// admissionFields lists every metadata matcher whose presence admits a
// heading block as a task.
var admissionFields = []*regexp.Regexp{
	statusField,
	dependsField,
	estimateField,
	personaField,
	scopeField,
	outputField,
}

// blockAdmitsTask reports whether a heading block carries at least one task
// marker. Plain prose under an id-shaped heading is not a task.
func blockAdmitsTask(block string) bool {
	if checkboxPattern.MatchString(block) {
		return true
	}
	for _, field := range admissionFields {
		if field.MatchString(block) {
			return true
		}
	}
	return false
}

// buildTask assembles a task from its heading and masked block text.
func (p *PlanParser) buildTask(id, title, block string) *models.Task {
	task := &models.Task{
		ID:    id,
		Title: title,
	}

	if m := dependsField.FindStringSubmatch(block); m != nil {
		task.DependsOn = p.parseDependsOn(id, m[1])
	}
	if m := estimateField.FindStringSubmatch(block); m != nil {
		task.EstimatedTokens = p.parseEstimate(id, m[1])
	}
	if m := personaField.FindStringSubmatch(block); m != nil {
		if raw := strings.Trim(strings.TrimSpace(m[1]), "`"); raw != "" {
			persona, err := models.ParsePersona(raw)
			if err != nil {
				p.warnf("task %s: %v, skipping persona", id, err)
			} else {
				task.Persona = persona
			}
		}
	}
	if m := scopeField.FindStringSubmatch(block); m != nil {
		if raw := strings.TrimSpace(m[1]); raw != "" {
			if scope := models.ParseScope(raw); scope != "" {
				task.Scope = scope
			} else {
				p.warnf("task %s: unknown scope %q, skipping", id, raw)
			}
		}
	}
	if m := outputField.FindStringSubmatch(block); m != nil {
		if out := strings.TrimSpace(m[1]); out != "" {
			task.Metadata = map[string]string{"output": out}
		}
	}

	task.Status = p.parseStatus(id, block)
	return task
}

// parseStatus derives the file status of a task. An explicit 状态 value
// takes precedence; otherwise the first checkbox mark decides. Only
// terminal results (success, failed) are authoritative across reloads —
// the scheduler recomputes everything else from dependency satisfaction.
func (p *PlanParser) parseStatus(id, block string) models.TaskStatus {
	if m := statusField.FindStringSubmatch(block); m != nil {
		if status, ok := statusFromText(m[1]); ok {
			return status
		}
		if raw := strings.TrimSpace(m[1]); raw != "" {
			p.warnf("task %s: unrecognized status %q, deriving from checkbox", id, raw)
		}
	}
	if m := checkboxPattern.FindStringSubmatch(block); m != nil {
		return statusFromCheckbox(m[1])
	}
	return models.StatusPending
}

// statusFromText maps explicit status field values. Parenthetical notes and
// decorations ("已完成 ✅") are stripped first.
func statusFromText(raw string) (models.TaskStatus, bool) {
	s := parenNotePattern.ReplaceAllString(raw, "")
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	switch strings.ToLower(s) {
	case "已完成", "完成", "success", "succeeded", "completed", "done":
		return models.StatusSuccess, true
	case "失败", "failed", "failure":
		return models.StatusFailed, true
	case "阻塞", "被阻塞", "blocked":
		return models.StatusPending, true
	case "进行中", "运行中", "running", "in progress":
		return models.StatusRunning, true
	case "就绪", "ready":
		return models.StatusReady, true
	case "待处理", "待办", "pending", "todo":
		return models.StatusPending, true
	}
	return "", false
}

// statusFromCheckbox maps checkbox marks: x→success, ~→running,
// !→blocked (kept pending), space→ready.
func statusFromCheckbox(mark string) models.TaskStatus {
	switch mark {
	case "x", "X":
		return models.StatusSuccess
	case "~":
		return models.StatusRunning
	case "!":
		return models.StatusPending
	default:
		return models.StatusReady
	}
}

// parseDependsOn splits a 依赖 value into canonical task ids, preserving
// order and dropping duplicates. "无"/"none"/"-" mean no dependencies.
func (p *PlanParser) parseDependsOn(id, raw string) []string {
	cleaned := parenNotePattern.ReplaceAllString(raw, "")
	switch strings.ToLower(strings.TrimSpace(cleaned)) {
	case "", "-", "none", "n/a", "无":
		return nil
	}

	var deps []string
	seen := make(map[string]bool)
	for _, piece := range splitList(cleaned) {
		dep := models.NormalizeTaskID(strings.Trim(piece, " \t`[]"))
		if dep == "" {
			continue
		}
		if !models.ValidTaskID(dep) {
			p.warnf("task %s: invalid dependency %q, skipping", id, strings.TrimSpace(piece))
			continue
		}
		if seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
	}
	return deps
}

// splitList splits a field value on ASCII and CJK list separators.
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '，' || r == '、'
	})
}

// parseEstimate converts a context estimate ("60k", "约 120k tokens",
// "8000") to a token count. Unparseable values warn and count as zero.
func (p *PlanParser) parseEstimate(id, raw string) int {
	value := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if value == "" {
		return 0
	}

	m := estimatePattern.FindStringSubmatch(value)
	if m == nil {
		p.warnf("task %s: unparseable context estimate %q, skipping", id, raw)
		return 0
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		p.warnf("task %s: unparseable context estimate %q, skipping", id, raw)
		return 0
	}
	if m[2] != "" {
		n *= 1000
	}
	return int(math.Round(n))
}

// cleanTitle trims a heading title and drops any ATX closing sequence
// ("Login ###" -> "Login").
func cleanTitle(raw string) string {
	return strings.TrimSpace(closingHashPattern.ReplaceAllString(raw, ""))
}
