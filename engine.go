package caravan

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine runs reasoning episodes: LLM call, action parse, tool dispatch,
// observation, repeat — under step, request, and token budgets. Construct
// once and share; Run is safe for concurrent use across sessions.
type Engine struct {
	provider Provider
	name     string
	model    ModelConfig
	limits   Limits
	tools    ToolDispatcher
	memory   *MemoryRouter
	events   *EventRouter
	tracer   Tracer
	logger   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// EngineName sets the default agent name stamped on messages and events
// when Task.AgentName is empty (default: "agent").
func EngineName(name string) EngineOption {
	return func(e *Engine) { e.name = name }
}

// EngineModel sets the model configuration sent with every LLM call.
func EngineModel(m ModelConfig) EngineOption {
	return func(e *Engine) { e.model = m }
}

// EngineLimits sets the episode budgets. Zero fields fall back to
// DefaultLimits values.
func EngineLimits(l Limits) EngineOption {
	return func(e *Engine) { e.limits = l }
}

// EngineTools sets the tool dispatcher, usually a ToolResolver (default:
// no tools).
func EngineTools(d ToolDispatcher) EngineOption {
	return func(e *Engine) { e.tools = d }
}

// EngineMemory sets the session memory router (default: in-process store).
func EngineMemory(m *MemoryRouter) EngineOption {
	return func(e *Engine) { e.memory = m }
}

// EngineEvents sets the event router (default: in-process event log).
func EngineEvents(r *EventRouter) EngineOption {
	return func(e *Engine) { e.events = r }
}

// EngineTracer sets the tracer (default: no tracing).
func EngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// EngineLogger sets the structured logger (default: no output).
func EngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// nopLogger is a logger that discards all output. Used when a Logger
// option is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewEngine builds an engine around the given LLM provider. A nil
// provider panics. Memory and events default to in-process backends so a
// bare engine works out of the box.
func NewEngine(provider Provider, opts ...EngineOption) *Engine {
	if provider == nil {
		panic("caravan: NewEngine requires a provider")
	}
	e := &Engine{
		provider: provider,
		name:     "agent",
		limits:   DefaultLimits(),
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.limits = normalizeLimits(e.limits)
	if e.tools == nil {
		e.tools = NewToolResolver(nil, nil)
	}
	if e.memory == nil {
		e.memory = NewMemoryRouter(NewInMemoryStore())
	}
	if e.events == nil {
		e.events = NewEventRouter(NewMemoryEventLog())
	}
	return e
}

// normalizeLimits fills zero fields with defaults so a partially
// specified Limits never disables a budget by accident.
func normalizeLimits(l Limits) Limits {
	d := DefaultLimits()
	if l.MaxSteps <= 0 {
		l.MaxSteps = d.MaxSteps
	}
	if l.RequestLimit <= 0 {
		l.RequestLimit = d.RequestLimit
	}
	if l.TotalTokensLimit <= 0 {
		l.TotalTokensLimit = d.TotalTokensLimit
	}
	if l.ToolCallTimeout <= 0 {
		l.ToolCallTimeout = d.ToolCallTimeout
	}
	if l.MaxContextTokens <= 0 {
		l.MaxContextTokens = d.MaxContextTokens
	}
	if l.ParseRetryBudget <= 0 {
		l.ParseRetryBudget = d.ParseRetryBudget
	}
	return l
}

// Ask runs a one-off episode on the given session with the engine's
// default agent name and no extra system instruction.
func (e *Engine) Ask(ctx context.Context, sessionID, query string) (Result, error) {
	return e.Run(ctx, Task{SessionID: sessionID, Query: query})
}

// Run executes one episode to a final answer or a terminal failure.
//
// Each step loads the bounded session view, calls the model, and parses
// exactly one of {final answer, tool call} from the reply. Tool-layer
// failures are written back into the conversation and the loop continues;
// only budget exhaustion, parse failure past the retry budget, backend
// failure, and cancellation terminate. On terminal failures the returned
// Result still carries the state accumulated so far.
func (e *Engine) Run(ctx context.Context, task Task) (Result, error) {
	if task.SessionID == "" {
		task.SessionID = NewID()
	}
	agent := task.AgentName
	if agent == "" {
		agent = e.name
	}
	query := sanitizeText(task.Query)

	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "engine.run",
			StringAttr("session", task.SessionID),
			StringAttr("agent", agent))
		defer span.End()
	}

	res := Result{Status: StatusError}

	defs := e.tools.List()
	scaffold := buildSystemPrompt(task.System, defs, time.Now())

	// Seed the session: scaffold first when the session is empty, then
	// the query. On a session that already has history but no pinned
	// system head, the scaffold travels in-flight only (see renderRequest)
	// so the stored log keeps its append order.
	existing, err := e.memory.GetMessages(ctx, task.SessionID, "", 0)
	if err != nil {
		return res, err
	}
	if len(existing) == 0 {
		if err := e.memory.StoreMessage(ctx, task.SessionID, RoleSystem, scaffold, map[string]string{MetaAgentName: agent}); err != nil {
			return res, err
		}
	}
	if err := e.memory.StoreMessage(ctx, task.SessionID, RoleUser, query, map[string]string{MetaAgentName: agent}); err != nil {
		return res, err
	}
	e.events.Emit(ctx, task.SessionID, agent, EventUserMessage, UserMessagePayload{Content: query})
	e.events.Emit(ctx, task.SessionID, agent, EventAgentCall, AgentCallPayload{AgentName: agent, Model: e.model.Model})

	var (
		usage      Usage
		steps      int
		requests   int
		parseFails int
		pending    []ChatMessage // transient corrective re-prompt, never persisted
	)

	for {
		if err := ctx.Err(); err != nil {
			res.Status = StatusCancelled
			return res, &RunError{Kind: KindCancelled, Message: "episode cancelled", Err: err}
		}
		if requests >= e.limits.RequestLimit {
			res.Status = StatusLimit
			e.logger.Warn("request limit reached", "agent", agent, "session", task.SessionID, "requests", requests)
			return res, ErrLimit(LimitRequests, fmt.Sprintf("request limit %d reached", e.limits.RequestLimit))
		}

		view, err := e.memory.GetMessages(ctx, task.SessionID, agent, e.limits.MaxContextTokens)
		if err != nil {
			return res, err
		}

		stepCtx := ctx
		var stepSpan Span
		if e.tracer != nil {
			stepCtx, stepSpan = e.tracer.Start(ctx, "engine.step",
				IntAttr("step", steps+1),
				IntAttr("request", requests+1))
		}
		endStep := func() {
			if stepSpan != nil {
				stepSpan.End()
			}
		}

		resp, err := e.provider.Chat(stepCtx, ChatRequest{
			Model:    e.model,
			Messages: renderRequest(scaffold, view, pending),
			Tools:    defs,
		})
		requests++
		res.Requests = requests
		if err != nil {
			endStep()
			return res, e.classifyChatError(&res, err)
		}
		usage.Add(resp.Usage)
		res.Usage = usage

		out, perr := parseOutput(resp.Content)
		if perr != nil {
			parseFails++
			e.events.Emit(ctx, task.SessionID, agent, EventParseError, ParseErrorPayload{RawOutput: resp.Content, Attempt: parseFails})
			// The malformed reply is part of the session record; only the
			// corrective nudge stays out of it.
			if err := e.memory.StoreMessage(ctx, task.SessionID, RoleAssistant, resp.Content, map[string]string{MetaAgentName: agent}); err != nil {
				endStep()
				return res, err
			}
			if parseFails > e.limits.ParseRetryBudget {
				endStep()
				e.logger.Warn("unparseable output, retries exhausted", "agent", agent, "session", task.SessionID, "attempts", parseFails)
				return res, &RunError{Kind: KindParseFailure, Message: fmt.Sprintf("unparseable output after %d attempts", parseFails), Err: perr}
			}
			e.logger.Debug("unparseable output, re-prompting", "agent", agent, "attempt", parseFails, "error", perr)
			pending = []ChatMessage{UserMessage(correction(perr))}
			endStep()
			if usage.Total() >= e.limits.TotalTokensLimit {
				res.Status = StatusLimit
				return res, ErrLimit(LimitTokens, fmt.Sprintf("token limit %d reached", e.limits.TotalTokensLimit))
			}
			continue
		}
		pending = nil

		if err := e.memory.StoreMessage(ctx, task.SessionID, RoleAssistant, resp.Content, map[string]string{MetaAgentName: agent}); err != nil {
			endStep()
			return res, err
		}
		steps++
		res.Steps = steps

		if out.isFinal {
			endStep()
			e.events.Emit(ctx, task.SessionID, agent, EventFinalAnswer, FinalAnswerPayload{
				Content:    out.final,
				TokensUsed: usage.Total(),
				Steps:      steps,
			})
			e.logger.Info("episode finished",
				"agent", agent,
				"session", task.SessionID,
				"steps", steps,
				"requests", requests,
				"tokens", usage.Total())
			res.Status = StatusSuccess
			res.Output = out.final
			return res, nil
		}

		// Acting: exactly one call per step; the envelope is written back
		// whether or not the tool succeeded, so the model can react.
		call := *out.call
		call.ID = NewID()
		e.events.Emit(ctx, task.SessionID, agent, EventToolCall, ToolCallPayload{CallID: call.ID, Name: call.Name, Args: call.Args})

		env := e.tools.Execute(stepCtx, call, e.limits.ToolCallTimeout)
		e.events.Emit(ctx, task.SessionID, agent, EventToolResult, ToolResultPayload{
			CallID:     env.CallID,
			Name:       call.Name,
			OK:         env.OK,
			DurationMS: env.DurationMS,
			ErrorKind:  env.ErrorKind,
		})

		meta := map[string]string{MetaAgentName: agent, MetaToolCallID: call.ID}
		if !env.OK {
			meta[MetaErrorKind] = string(env.ErrorKind)
		}
		if err := e.memory.StoreMessage(ctx, task.SessionID, RoleTool, sanitizeText(env.Content), meta); err != nil {
			endStep()
			return res, err
		}
		e.events.Emit(ctx, task.SessionID, agent, EventObservation, ObservationPayload{Content: env.Content})
		endStep()

		if steps >= e.limits.MaxSteps {
			res.Status = StatusLimit
			e.logger.Warn("step limit reached", "agent", agent, "session", task.SessionID, "steps", steps)
			return res, ErrLimit(LimitSteps, fmt.Sprintf("step limit %d reached", e.limits.MaxSteps))
		}
		if usage.Total() >= e.limits.TotalTokensLimit {
			res.Status = StatusLimit
			e.logger.Warn("token limit reached", "agent", agent, "session", task.SessionID, "tokens", usage.Total())
			return res, ErrLimit(LimitTokens, fmt.Sprintf("token limit %d reached", e.limits.TotalTokensLimit))
		}
	}
}

// classifyChatError converts a provider failure into the terminal episode
// error, marking the result cancelled when the context was.
func (e *Engine) classifyChatError(res *Result, err error) error {
	switch KindOf(err) {
	case KindCancelled:
		res.Status = StatusCancelled
		return &RunError{Kind: KindCancelled, Message: "llm call cancelled", Err: err}
	case KindTimeout:
		return &RunError{Kind: KindTimeout, Message: "llm call timed out", Err: err}
	default:
		return &RunError{Kind: KindProviderError, Message: "llm call failed", Err: err}
	}
}

// renderRequest converts the stored session view into protocol messages.
// Stored tool results travel as user-role observations: the textual
// action protocol keeps the whole exchange inside plain chat turns, which
// works against providers with no native tool support. A transient
// scaffold is injected when the view has no pinned system head. pending
// carries the corrective re-prompt after a parse failure.
func renderRequest(scaffold string, view []Message, pending []ChatMessage) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(view)+len(pending)+1)
	if len(view) == 0 || view[0].Role != RoleSystem {
		msgs = append(msgs, SystemMessage(scaffold))
	}
	for _, m := range view {
		if m.Role == RoleTool {
			msgs = append(msgs, observationMessage(m))
			continue
		}
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(msgs, pending...)
}
