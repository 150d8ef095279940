package caravan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventType identifies the kind of runtime event.
type EventType string

const (
	// EventUserMessage records the query that opened an episode.
	EventUserMessage EventType = "user-message"
	// EventAgentCall records an LLM request made by an agent.
	EventAgentCall EventType = "agent-call"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall EventType = "tool-call"
	// EventToolResult carries the outcome of a completed tool call.
	EventToolResult EventType = "tool-result"
	// EventObservation carries intermediate reasoning output.
	EventObservation EventType = "observation"
	// EventFinalAnswer closes an episode successfully.
	EventFinalAnswer EventType = "final-answer"
	// EventParseError records unparseable LLM output.
	EventParseError EventType = "parse-error"
	// EventTaskStarted signals a background run has begun.
	EventTaskStarted EventType = "background-task-started"
	// EventTaskCompleted signals a background run finished cleanly.
	EventTaskCompleted EventType = "background-task-completed"
	// EventTaskError records a failed background attempt.
	EventTaskError EventType = "background-task-error"
	// EventAgentStatus snapshots a background agent's lifecycle state.
	EventAgentStatus EventType = "background-agent-status"
	// EventSkippedBusy marks a tick dropped because the previous run still holds the lock.
	EventSkippedBusy EventType = "skipped-busy"
	// EventDropped is the overflow marker: Count events were evicted before it.
	EventDropped EventType = "event-dropped"
)

// Event is one append-only record on a session's event log. Payload is
// the JSON encoding of the typed payload struct for Type.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	AgentName string          `json:"agent_name,omitempty"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// --- Typed payloads ---

// UserMessagePayload accompanies EventUserMessage.
type UserMessagePayload struct {
	Content string `json:"content"`
}

// AgentCallPayload accompanies EventAgentCall.
type AgentCallPayload struct {
	AgentName string `json:"agent_name"`
	Model     string `json:"model"`
}

// ToolCallPayload accompanies EventToolCall.
type ToolCallPayload struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultPayload accompanies EventToolResult.
type ToolResultPayload struct {
	CallID     string    `json:"call_id"`
	Name       string    `json:"name"`
	OK         bool      `json:"ok"`
	DurationMS int64     `json:"duration_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// ObservationPayload accompanies EventObservation.
type ObservationPayload struct {
	Content string `json:"content"`
}

// FinalAnswerPayload accompanies EventFinalAnswer.
type FinalAnswerPayload struct {
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
	Steps      int    `json:"steps"`
}

// ParseErrorPayload accompanies EventParseError.
type ParseErrorPayload struct {
	RawOutput string `json:"raw_output"`
	Attempt   int    `json:"attempt"`
}

// TaskStartedPayload accompanies EventTaskStarted.
type TaskStartedPayload struct {
	AgentID  string `json:"agent_id"`
	RunCount int64  `json:"run_count"`
}

// TaskCompletedPayload accompanies EventTaskCompleted.
type TaskCompletedPayload struct {
	AgentID    string `json:"agent_id"`
	DurationMS int64  `json:"duration_ms"`
}

// TaskErrorPayload accompanies EventTaskError.
type TaskErrorPayload struct {
	AgentID   string    `json:"agent_id"`
	Attempt   int       `json:"attempt"`
	ErrorKind ErrorKind `json:"error_kind"`
	Message   string    `json:"message"`
}

// AgentStatusPayload accompanies EventAgentStatus.
type AgentStatusPayload struct {
	AgentID    string     `json:"agent_id"`
	State      AgentState `json:"state"`
	LastRunAt  int64      `json:"last_run_at,omitempty"`
	RunCount   int64      `json:"run_count"`
	ErrorCount int64      `json:"error_count"`
}

// SkippedBusyPayload accompanies EventSkippedBusy.
type SkippedBusyPayload struct {
	AgentID string `json:"agent_id"`
}

// DroppedPayload accompanies EventDropped.
type DroppedPayload struct {
	Count int `json:"count"`
}

// NewEvent builds an event with a fresh ID and timestamp. payload must be
// one of the typed payload structs above (or nil).
func NewEvent(sessionID, agentName string, typ EventType, payload any) Event {
	ev := Event{
		ID:        NewID(),
		SessionID: sessionID,
		AgentName: agentName,
		Type:      typ,
		CreatedAt: NowUnix(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventPayload decodes ev.Payload into the typed payload struct T.
func EventPayload[T any](ev Event) (T, error) {
	var p T
	if len(ev.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return p, nil
}

// --- Backend contract ---

// EventBackend is an append-only per-session event log. Implementations:
// MemoryEventLog (this package) and the store/redis package.
type EventBackend interface {
	// Append persists one event.
	Append(ctx context.Context, ev Event) error
	// History returns all retained events for the session in append order.
	History(ctx context.Context, sessionID string) ([]Event, error)
	// Subscribe returns a channel of events for the session: the retained
	// backlog first, then live events as they are appended. The returned
	// cancel func unregisters the subscriber and closes the channel.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)
}

// --- Router ---

const appendAttempts = 3

// EventRouter is the typed event bus. It stamps and publishes events to a
// single backend chosen at construction, retrying transient append
// failures a bounded number of times.
type EventRouter struct {
	backend EventBackend
	logger  *slog.Logger
}

// EventRouterOption configures an EventRouter.
type EventRouterOption func(*EventRouter)

// EventRouterLogger sets the structured logger (default: no output).
func EventRouterLogger(l *slog.Logger) EventRouterOption {
	return func(r *EventRouter) { r.logger = l }
}

// NewEventRouter builds a router over backend. A nil backend panics.
func NewEventRouter(backend EventBackend, opts ...EventRouterOption) *EventRouter {
	if backend == nil {
		panic("caravan: NewEventRouter requires a backend")
	}
	r := &EventRouter{backend: backend, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish appends ev to the backend. Transient failures are retried up to
// appendAttempts times; persistent failure surfaces as BackendUnavailable.
func (r *EventRouter) Publish(ctx context.Context, ev Event) error {
	var last error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		last = r.backend.Append(ctx, ev)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("event append failed",
			"session_id", ev.SessionID,
			"type", ev.Type,
			"attempt", attempt,
			"error", last)
		if attempt < appendAttempts {
			timer := time.NewTimer(time.Duration(attempt) * 50 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return &RunError{Kind: KindBackendUnavailable, Message: "event append failed", Err: last}
}

// Emit builds and publishes an event in one call. Failures are logged and
// swallowed: events are observational, never authoritative.
func (r *EventRouter) Emit(ctx context.Context, sessionID, agentName string, typ EventType, payload any) {
	if err := r.Publish(ctx, NewEvent(sessionID, agentName, typ, payload)); err != nil {
		r.logger.Error("event dropped after retries",
			"session_id", sessionID,
			"type", typ,
			"error", err)
	}
}

// History returns the retained events for a session in append order.
func (r *EventRouter) History(ctx context.Context, sessionID string) ([]Event, error) {
	return r.backend.History(ctx, sessionID)
}

// Stream subscribes to a session's events: retained backlog first, then
// live appends. Call cancel to release the subscription.
func (r *EventRouter) Stream(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	return r.backend.Subscribe(ctx, sessionID)
}
