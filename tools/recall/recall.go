// Package recall exposes semantic memory search to the model. The tool is
// bound to one session at construction; it only returns results when that
// session's memory backend is vector-capable.
package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/caravan"
)

// Searcher is the slice of the memory layer the tool reads.
type Searcher interface {
	SemanticSearch(ctx context.Context, sessionID, query string, topK int) ([]caravan.Message, error)
}

var _ Searcher = (*caravan.MemoryRouter)(nil)

// Tool searches past conversation messages by meaning.
type Tool struct {
	mem       Searcher
	sessionID string
	topK      int
}

var _ caravan.Tool = (*Tool)(nil)

// Option configures a recall Tool.
type Option func(*Tool)

// WithTopK sets the number of messages to retrieve. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.topK = n
		}
	}
}

// New creates a recall tool over mem, scoped to sessionID. mem is usually
// the *caravan.MemoryRouter the engine reads from. A nil mem panics.
func New(mem Searcher, sessionID string, opts ...Option) *Tool {
	if mem == nil {
		panic("recall: New requires a searcher")
	}
	t := &Tool{mem: mem, sessionID: sessionID, topK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []caravan.ToolDefinition {
	return []caravan.ToolDefinition{{
		Name:        "recall",
		Description: "Search earlier messages in this conversation by meaning. Use when the answer may have come up before.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look for"}},"required":["query"]}`),
	}}
}

func (t *Tool) Call(ctx context.Context, _ string, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	msgs, err := t.mem.SemanticSearch(ctx, t.sessionID, params.Query, t.topK)
	if err != nil {
		return "", fmt.Errorf("recall: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("No relevant messages found for %q.", params.Query), nil
	}

	var out strings.Builder
	for i, m := range msgs {
		fmt.Fprintf(&out, "%d. [%s] %s\n", i+1, m.Role, m.Content)
	}
	return strings.TrimRight(out.String(), "\n"), nil
}
