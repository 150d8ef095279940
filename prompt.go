package caravan

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// actionGrammar teaches the textual protocol the engine parses. Tool use
// happens entirely through this grammar, so it works with any provider
// that returns plain completions.
const actionGrammar = `Answer the user's request. You work in steps. In each step, reply with EXACTLY ONE of the two forms below.

To call a tool:

Thought: reason briefly about what to do next
Action: <tool name>
Action Input: <arguments as a single JSON object>

Then stop. The result comes back as an observation in the next message. Do not invent observations.

To finish:

Thought: I now know the answer
Final Answer: <your complete answer to the user>

Rules:
- Call at most one tool per step.
- Action Input must be one valid JSON object, nothing else on the line after it.
- Only use tools from the list below. Never invent tool names.
- If a tool fails, read the error, adjust the arguments or pick another tool.
- If no tool is needed, reply with a Final Answer immediately.`

// noToolsNote replaces the tool catalog when the resolver has nothing
// to offer.
const noToolsNote = `No tools are available. Reply with a Final Answer immediately.`

// buildSystemPrompt assembles the engine's system message: the caller's
// instruction, the action grammar, the tool catalog, and the current
// time. Stored once per session as the pinned system message.
func buildSystemPrompt(instruction string, defs []ToolDefinition, now time.Time) string {
	var b strings.Builder
	if instruction != "" {
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	b.WriteString(actionGrammar)
	b.WriteString("\n\n")
	if len(defs) == 0 {
		b.WriteString(noToolsNote)
	} else {
		b.WriteString("Available tools:\n")
		for _, def := range defs {
			writeToolEntry(&b, def)
		}
	}
	fmt.Fprintf(&b, "\nThe current date and time is %s. You do not need a tool for the current date or time.",
		now.Format("Monday, 2 January 2006, 15:04 MST"))
	return b.String()
}

// writeToolEntry renders one catalog line plus its parameters pulled
// from the JSON Schema, so models without native tool support still see
// argument names and types.
func writeToolEntry(b *strings.Builder, def ToolDefinition) {
	desc := def.Description
	if desc == "" {
		desc = "No description available"
	}
	fmt.Fprintf(b, "\n- %s: %s", def.Name, desc)

	var schema struct {
		Properties map[string]struct {
			Type        any    `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(def.Parameters, &schema); err != nil || len(schema.Properties) == 0 {
		return
	}
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	slices.Sort(names)
	b.WriteString("\n  Parameters:")
	for _, name := range names {
		p := schema.Properties[name]
		typ := "any"
		if s, ok := p.Type.(string); ok && s != "" {
			typ = s
		}
		fmt.Fprintf(b, "\n    %s (%s", name, typ)
		if slices.Contains(schema.Required, name) {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if p.Description != "" {
			b.WriteString(": " + p.Description)
		}
	}
}

// correction is sent back to the model when its reply matched neither
// grammar form. It lives only in the in-flight request, never in the
// session log.
func correction(parseErr error) string {
	return fmt.Sprintf(`Your previous reply could not be parsed: %v.

Reply with exactly one of:

Thought: ...
Action: <tool name>
Action Input: <one JSON object>

or:

Final Answer: <your answer>`, parseErr)
}

// observationMessage renders a stored tool-result message for the model.
// Storage keeps envelope content verbatim; the failure kind, when stamped
// in metadata, is surfaced here so the model can react to it.
func observationMessage(m Message) ChatMessage {
	content := m.Content
	if kind, failed := m.Metadata[MetaErrorKind]; failed {
		if content == "" {
			content = fmt.Sprintf("error (%s)", kind)
		} else {
			content = fmt.Sprintf("error (%s): %s", kind, content)
		}
	}
	return UserMessage("Observation: " + content)
}
