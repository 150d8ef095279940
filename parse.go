package caravan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// parsedOutput is the result of scanning one LLM completion against the
// action grammar. Exactly one of (isFinal, call) is set on success.
type parsedOutput struct {
	final   string
	isFinal bool
	call    *ToolCall // ID unset; the engine assigns it
}

var (
	finalMarkerRe   = regexp.MustCompile(`(?i)(?:final answer|answer)\s*:`)
	trailingCommaRe = regexp.MustCompile(`,\s*([\]}])`)
)

// parseOutput scans raw LLM output for either a final answer or a single
// tool call. A final answer always wins when both appear; with multiple
// tool calls only the first is returned. Malformed output yields an error
// describing what failed, which the engine feeds back as a corrective
// prompt.
//
// Two action spellings are accepted:
//
//	Action: <tool_name>
//	Action Input: {"a": 2, "b": 3}
//
// and the single-object form some models produce instead:
//
//	Action: {"tool": "<tool_name>", "parameters": {"a": 2, "b": 3}}
func parseOutput(raw string) (parsedOutput, error) {
	if m := finalMarkerRe.FindAllStringIndex(raw, -1); len(m) > 0 {
		last := m[len(m)-1]
		return parsedOutput{final: strings.TrimSpace(raw[last[1]:]), isFinal: true}, nil
	}

	actionAt := indexFold(raw, "action:")
	if actionAt < 0 {
		return parsedOutput{}, fmt.Errorf("no action or final answer found")
	}
	rest := raw[actionAt+len("action:"):]

	// Single-object form: the JSON envelope directly after the marker.
	head := strings.TrimLeft(rest, " \t")
	if strings.HasPrefix(head, "{") {
		obj, err := extractJSONObject(head)
		if err != nil {
			return parsedOutput{}, fmt.Errorf("action object: %w", err)
		}
		var envelope struct {
			Tool       string          `json:"tool"`
			Parameters json.RawMessage `json:"parameters"`
		}
		if err := json.Unmarshal([]byte(obj), &envelope); err != nil {
			return parsedOutput{}, fmt.Errorf("invalid JSON in action: %v", err)
		}
		name := strings.TrimSpace(envelope.Tool)
		if name == "" {
			return parsedOutput{}, fmt.Errorf("no tool name in action")
		}
		args := envelope.Parameters
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return parsedOutput{call: &ToolCall{Name: name, Args: args}}, nil
	}

	// Two-line form: the tool name ends at the line break (or at an
	// "Action Input:" marker crammed onto the same line).
	inputAt := indexFold(rest, "action input:")
	line := rest
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	if inputAt >= 0 && inputAt < len(line) {
		line = rest[:inputAt]
	}
	name := strings.Trim(strings.TrimSpace(line), "`'\"")
	if name == "" {
		return parsedOutput{}, fmt.Errorf("no tool name after action marker")
	}

	args := json.RawMessage(`{}`)
	if inputAt >= 0 {
		obj, err := extractJSONObject(rest[inputAt+len("action input:"):])
		if err != nil {
			return parsedOutput{}, fmt.Errorf("action input: %w", err)
		}
		args = json.RawMessage(obj)
	}
	return parsedOutput{call: &ToolCall{Name: name, Args: args}}, nil
}

// indexFold is a case-insensitive strings.Index.
func indexFold(s, marker string) int {
	return strings.Index(strings.ToLower(s), marker)
}

// extractJSONObject returns the first balanced JSON object in s, cleaned
// of the quirks models add: comment lines, trailing commas, code fences
// before the opening brace. The scan is string-aware, so braces inside
// string values do not unbalance it.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}
	s = s[start:]

	depth := 0
	inString := false
	escaped := false
	end := -1
scan:
	for i, c := range []byte(s) {
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				end = i + 1
				break scan
			}
		}
	}
	if end < 0 {
		return "", fmt.Errorf("unbalanced JSON braces")
	}

	obj := stripJSONComments(s[:end])
	obj = trailingCommaRe.ReplaceAllString(obj, "$1")
	if !json.Valid([]byte(obj)) {
		return "", fmt.Errorf("invalid JSON")
	}
	return obj, nil
}

// stripJSONComments removes // and # line comments outside strings.
func stripJSONComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '#', c == '/' && i+1 < len(s) && s[i+1] == '/':
			// Skip to end of line.
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
