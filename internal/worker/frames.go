package worker

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// frame is one line-delimited JSON object on the agent's stdout. The agent
// emits four frame types: "system" (session lifecycle), "assistant" (text
// and tool_use blocks plus usage), "user" (tool_result blocks) and a
// terminal "result".
type frame struct {
	Type       string       `json:"type"`
	Subtype    string       `json:"subtype"`
	SessionID  string       `json:"session_id"`
	Message    *messageBody `json:"message"`
	DurationMs int64        `json:"duration_ms"`
	Result     string       `json:"result"`
	IsError    bool         `json:"is_error"`
}

type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
	Usage   *usageBody     `json:"usage"`
}

// contentBlock is the union of the block shapes found inside assistant and
// user frames. Which fields are set depends on Type ("text", "tool_use" or
// "tool_result").
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type usageBody struct {
	InputTokens          int64 `json:"input_tokens"`
	OutputTokens         int64 `json:"output_tokens"`
	CacheReadInputTokens int64 `json:"cache_read_input_tokens"`
}

// contentText renders a tool_result content field as plain text. The field
// arrives either as a bare JSON string or as an array of text blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return flattenJSON(raw)
}

// flattenJSON renders every key and primitive value of a JSON document as
// one space-joined string. Tool inputs arrive in provider-specific shapes;
// category inference and id scans work on this flat text instead of
// reaching into per-provider fields.
func flattenJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	walkJSON(v, &sb)
	return strings.TrimSpace(sb.String())
}

func walkJSON(v interface{}, sb *strings.Builder) {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(k)
			sb.WriteByte(' ')
			walkJSON(x[k], sb)
		}
	case []interface{}:
		for _, e := range x {
			walkJSON(e, sb)
		}
	case string:
		sb.WriteString(x)
		sb.WriteByte(' ')
	case float64:
		sb.WriteString(strconv.FormatFloat(x, 'f', -1, 64))
		sb.WriteByte(' ')
	case bool:
		sb.WriteString(strconv.FormatBool(x))
		sb.WriteByte(' ')
	}
}

// FirstJSONObject returns the first balanced {...} in s, tolerating any
// text around it. Braces inside JSON strings do not count toward the
// balance. Issue lines and diagnosis replies both arrive as an object
// embedded in prose.
func FirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
