// Package parser reads AUTO-DEV.md plan files into the task graph consumed
// by the scheduler. Parsing is deterministic and forgiving: malformed blocks
// are skipped with a warning, never a failed parse.
package parser

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/autodev/internal/models"
)

var (
	// taskHeadingPattern matches task declarations:
	//   ### FE-1.1: 登录页面
	//   ### Task: BE-2.1 构建接口
	// The id/title separator accepts an ASCII colon, a full-width colon, or
	// bare whitespace.
	taskHeadingPattern = regexp.MustCompile(`^###\s+(?:Task:\s*)?(` + models.TaskIDExpr + `)[:\s：]\s*(.+)$`)

	// waveSectionPattern matches "## Wave N" section headings. Trailing text
	// after the number is tolerated ("## Wave 2: 基础设施").
	waveSectionPattern = regexp.MustCompile(`^##\s+Wave\s+(\d+)\b`)

	// inlineWavePattern matches standalone wave lists:
	//   Wave 1: FE-1.1, FE-1.2
	//   Wave 2: [BE-2.1 BE-2.2]
	inlineWavePattern = regexp.MustCompile(`^Wave\s+(\d+)\s*[:：](.*)$`)
)

// WarnLogger receives non-fatal parse diagnostics.
type WarnLogger interface {
	LogWarn(message string)
}

// PlanParser parses AUTO-DEV.md files. Fenced code blocks are masked before
// any pattern matching so example tasks inside fences stay invisible; the
// goldmark AST supplies heading positions that remain valid against the
// unmasked text because masking preserves byte offsets.
type PlanParser struct {
	markdown goldmark.Markdown
	warn     WarnLogger
}

// NewPlanParser creates a parser. The warn logger is optional and can be nil.
func NewPlanParser(warn WarnLogger) *PlanParser {
	return &PlanParser{
		markdown: goldmark.New(),
		warn:     warn,
	}
}

func (p *PlanParser) warnf(format string, args ...interface{}) {
	if p.warn != nil {
		p.warn.LogWarn(fmt.Sprintf(format, args...))
	}
}

// Parse reads and parses the plan file at path. A missing file yields an
// empty plan and no error; other I/O failures are returned.
func (p *PlanParser) Parse(path string) (*models.Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.NewPlan(absolutePath(path)), nil
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return p.ParseBytes(content, path), nil
}

// ParseBytes parses plan content already in memory. The path is recorded on
// the plan for writeback and session keying.
func (p *PlanParser) ParseBytes(content []byte, path string) *models.Plan {
	plan := models.NewPlan(absolutePath(path))

	content = stripBOM(content)
	masked := MaskFences(content)

	p.collectInlineWaves(masked, plan.Waves)

	headings := p.collectHeadings(masked)
	sectionWave := -1
	for i, h := range headings {
		if h.level == 2 {
			if m := waveSectionPattern.FindStringSubmatch(h.text); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil {
					sectionWave = n
				}
			}
			continue
		}
		if h.level != 3 {
			continue
		}

		m := taskHeadingPattern.FindStringSubmatch(h.text)
		if m == nil {
			continue
		}
		id := models.NormalizeTaskID(m[1])
		title := cleanTitle(m[2])
		if title == "" {
			continue
		}

		end := len(masked)
		if i+1 < len(headings) {
			end = headings[i+1].lineStart
		}
		block := string(masked[h.lineStart:end])
		if !blockAdmitsTask(block) {
			continue
		}
		if _, dup := plan.Task(id); dup {
			p.warnf("duplicate task id %s, keeping the first definition", id)
			continue
		}

		// Inline wave lists outrank section membership; the map check keeps
		// the first assignment either way.
		if sectionWave >= 0 {
			if _, mapped := plan.Waves[id]; !mapped {
				plan.Waves[id] = sectionWave
			}
		}

		task := p.buildTask(id, title, block)
		task.Wave = plan.WaveOf(id)
		plan.Tasks = append(plan.Tasks, task)
	}

	return plan
}

// ExtractTaskContent returns the raw, unmasked block text for one task id,
// from the heading line to the next heading or end of file. Used to rebuild
// prompts after an interrupted run.
func (p *PlanParser) ExtractTaskContent(path, taskID string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read plan file: %w", err)
	}
	content = stripBOM(content)
	masked := MaskFences(content)

	want := models.NormalizeTaskID(taskID)
	headings := p.collectHeadings(masked)
	for i, h := range headings {
		if h.level != 3 {
			continue
		}
		m := taskHeadingPattern.FindStringSubmatch(h.text)
		if m == nil || models.NormalizeTaskID(m[1]) != want {
			continue
		}

		end := len(content)
		if i+1 < len(headings) {
			end = headings[i+1].lineStart
		}
		return string(content[h.lineStart:end]), nil
	}
	return "", fmt.Errorf("task %s not found in %s", want, path)
}

// collectInlineWaves records wave membership from "Wave N: id, id" lines.
// The first mapping for an id wins.
func (p *PlanParser) collectInlineWaves(masked []byte, waves map[string]int) {
	forEachLine(masked, func(start, end int) {
		line := strings.TrimRight(string(masked[start:end]), "\r")
		m := inlineWavePattern.FindStringSubmatch(line)
		if m == nil {
			return
		}
		wave, err := strconv.Atoi(m[1])
		if err != nil {
			return
		}
		for _, raw := range models.TaskIDPattern.FindAllString(m[2], -1) {
			id := models.NormalizeTaskID(raw)
			if _, mapped := waves[id]; !mapped {
				waves[id] = wave
			}
		}
	})
}

// headingLine is one Markdown heading located in the masked source.
type headingLine struct {
	level     int
	lineStart int
	text      string
}

// collectHeadings walks the goldmark AST and returns every heading in
// document order with the byte offset of its line. Offsets are valid
// against both the masked and the original text.
func (p *PlanParser) collectHeadings(masked []byte) []headingLine {
	doc := p.markdown.Parser().Parse(text.NewReader(masked))

	var headings []headingLine
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := heading.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}

		start := lineStartBefore(masked, lines.At(0).Start)
		headings = append(headings, headingLine{
			level:     heading.Level,
			lineStart: start,
			text:      lineAt(masked, start),
		})
		return ast.WalkSkipChildren, nil
	})
	return headings
}

// lineStartBefore returns the offset of the first byte of the line
// containing offset.
func lineStartBefore(src []byte, offset int) int {
	if offset > len(src) {
		offset = len(src)
	}
	return bytes.LastIndexByte(src[:offset], '\n') + 1
}

// lineAt returns the line beginning at start, without the trailing newline
// or carriage return.
func lineAt(src []byte, start int) string {
	end := bytes.IndexByte(src[start:], '\n')
	if end < 0 {
		end = len(src)
	} else {
		end += start
	}
	return strings.TrimRight(string(src[start:end]), "\r")
}

// absolutePath converts path to absolute for consistent plan keying,
// falling back to the original on failure.
func absolutePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
