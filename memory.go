package caravan

import (
	"context"
	"log/slog"
)

// MemoryBackend is an ordered per-session message log. Implementations:
// InMemoryStore (this package) and the store/sqlite, store/postgres,
// store/redis, and store/chromem packages.
type MemoryBackend interface {
	// Append persists one message at the end of its session's log.
	Append(ctx context.Context, msg Message) error
	// Read returns the session's messages in insertion order.
	Read(ctx context.Context, sessionID string) ([]Message, error)
	// Clear removes all messages for the session.
	Clear(ctx context.Context, sessionID string) error
}

// SemanticSearcher is an optional backend capability: vector-capable
// backends expose similarity search over stored messages. The reasoning
// loop never requires it.
type SemanticSearcher interface {
	SemanticSearch(ctx context.Context, sessionID, query string, topK int) ([]Message, error)
}

// MemoryRouter is the session-scoped conversation log with bounded-context
// reads. Writes append in call order; reads return insertion order with
// token-budget truncation applied to the view (storage retains everything).
type MemoryRouter struct {
	backend   MemoryBackend
	estimator TokenEstimator
	budget    int // default max context tokens per read
	logger    *slog.Logger
}

// MemoryOption configures a MemoryRouter.
type MemoryOption func(*MemoryRouter)

// MemoryEstimator sets the token estimator (default: model-independent heuristic).
func MemoryEstimator(est TokenEstimator) MemoryOption {
	return func(r *MemoryRouter) { r.estimator = est }
}

// MemoryBudget sets the default max context tokens per read (default: 16000).
func MemoryBudget(tokens int) MemoryOption {
	return func(r *MemoryRouter) { r.budget = tokens }
}

// MemoryLogger sets the structured logger (default: no output).
func MemoryLogger(l *slog.Logger) MemoryOption {
	return func(r *MemoryRouter) { r.logger = l }
}

// NewMemoryRouter builds a router over backend. A nil backend panics.
func NewMemoryRouter(backend MemoryBackend, opts ...MemoryOption) *MemoryRouter {
	if backend == nil {
		panic("caravan: NewMemoryRouter requires a backend")
	}
	r := &MemoryRouter{
		backend: backend,
		budget:  DefaultLimits().MaxContextTokens,
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.estimator == nil {
		r.estimator = HeuristicEstimator{}
	}
	return r
}

// StoreMessage appends a message, assigning ID and timestamp.
func (r *MemoryRouter) StoreMessage(ctx context.Context, sessionID, role, content string, metadata map[string]string) error {
	msg := Message{
		ID:        NewID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: NowUnix(),
	}
	if err := r.backend.Append(ctx, msg); err != nil {
		r.logger.Error("memory append failed", "session_id", sessionID, "role", role, "error", err)
		return &RunError{Kind: KindBackendUnavailable, Message: "memory append failed", Err: err}
	}
	return nil
}

// GetMessages returns the session's messages in insertion order, filtered
// by metadata agent_name when agentName is non-empty, truncated to
// maxTokens (0 = the router's default budget). Truncation drops the
// oldest messages from the view; a system message at the head of the view
// is always kept.
func (r *MemoryRouter) GetMessages(ctx context.Context, sessionID, agentName string, maxTokens int) ([]Message, error) {
	msgs, err := r.backend.Read(ctx, sessionID)
	if err != nil {
		return nil, &RunError{Kind: KindBackendUnavailable, Message: "memory read failed", Err: err}
	}
	if agentName != "" {
		msgs = filterByAgent(msgs, agentName)
	}
	if maxTokens <= 0 {
		maxTokens = r.budget
	}
	return truncateToBudget(msgs, r.estimator, maxTokens), nil
}

// Clear removes all messages for the session.
func (r *MemoryRouter) Clear(ctx context.Context, sessionID string) error {
	if err := r.backend.Clear(ctx, sessionID); err != nil {
		return &RunError{Kind: KindBackendUnavailable, Message: "memory clear failed", Err: err}
	}
	return nil
}

// SemanticSearch delegates to the backend when it supports vector search.
// Backends without the capability return no results.
func (r *MemoryRouter) SemanticSearch(ctx context.Context, sessionID, query string, topK int) ([]Message, error) {
	s, ok := r.backend.(SemanticSearcher)
	if !ok {
		return nil, nil
	}
	return s.SemanticSearch(ctx, sessionID, query, topK)
}

// filterByAgent keeps messages stamped with the given agent_name. System
// messages pass the filter: they define the session's shared contract.
func filterByAgent(msgs []Message, agentName string) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem || m.Metadata[MetaAgentName] == agentName {
			out = append(out, m)
		}
	}
	return out
}

// truncateToBudget returns the longest suffix of msgs whose estimated
// token total fits in budget. A system message at the head is pinned: it
// is never dropped and its cost is reserved before the suffix is chosen.
func truncateToBudget(msgs []Message, est TokenEstimator, budget int) []Message {
	if len(msgs) == 0 {
		return msgs
	}
	total := 0
	for _, m := range msgs {
		total += estimateMessage(est, m)
	}
	if total <= budget {
		return msgs
	}

	var system []Message
	rest := msgs
	if msgs[0].Role == RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
		budget -= estimateMessage(est, msgs[0])
	}

	// Walk backwards keeping the newest messages that fit.
	kept := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := estimateMessage(est, rest[i])
		if used+cost > budget {
			break
		}
		used += cost
		kept = i
	}
	if kept == len(rest) {
		// Nothing besides the pinned head fits.
		return system
	}
	out := make([]Message, 0, len(system)+len(rest)-kept)
	out = append(out, system...)
	out = append(out, rest[kept:]...)
	return out
}
