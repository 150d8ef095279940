package caravan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AgentState is the lifecycle state of a background agent.
type AgentState string

const (
	StatePending AgentState = "pending" // registered but not yet schedulable
	StateRunning AgentState = "running" // one episode in flight
	StateIdle    AgentState = "idle"    // waiting for the next tick
	StatePaused  AgentState = "paused"  // ticks are ignored until resume
	StateError   AgentState = "error"   // last run failed all attempts; still scheduled
	StateDeleted AgentState = "deleted" // terminal
)

// AgentConfig declares a background agent: a preset query run as one
// episode per tick on the agent's own session.
type AgentConfig struct {
	ID                string // unique within a manager; generated when empty
	Query             string
	SystemInstruction string
	Model             ModelConfig
	Limits            Limits
	Interval          time.Duration // time between ticks; must be positive
	MaxRetries        int           // extra episode attempts per run after the first
	RetryDelay        time.Duration // fixed, cancelable wait between attempts
}

func (c AgentConfig) validate() error {
	if c.Query == "" {
		return NewRunError(KindBadArguments, "agent query required")
	}
	if c.Interval <= 0 {
		return NewRunError(KindBadArguments, "agent interval must be positive")
	}
	if c.MaxRetries < 0 {
		return NewRunError(KindBadArguments, "agent max retries must not be negative")
	}
	return nil
}

// AgentPatch is a partial config update. Nil fields keep their current
// value. Applying a patch never resets counters; an interval change
// reschedules from the moment of the update.
type AgentPatch struct {
	Query             *string
	SystemInstruction *string
	Model             *ModelConfig
	Limits            *Limits
	Interval          *time.Duration
	MaxRetries        *int
	RetryDelay        *time.Duration
}

// AgentStatus is a point-in-time snapshot of one background agent.
type AgentStatus struct {
	ID         string
	State      AgentState
	Interval   time.Duration
	RunCount   int64
	ErrorCount int64
	LastRunAt  int64 // unix seconds; zero before the first run
	LastError  string
}

// BackgroundSession returns the dedicated session for an agent's runs.
// Memory entries and events from every run of agent agentID live under
// this session, so callers can stream or replay them by ID alone.
func BackgroundSession(agentID string) string {
	return "background:" + agentID
}

// BackgroundAgent is one scheduled task whose body is a single episode
// with a preset query. Runs never overlap: each trigger try-locks the
// run-lock and gives up immediately when a run is still in flight.
type BackgroundAgent struct {
	id      string
	session string

	mu       sync.Mutex // guards cfg, state, counters; never held across a run
	cfg      AgentConfig
	state    AgentState
	pauseReq bool // pause arrived mid-run; applied when the run ends

	runCount   int64
	errorCount int64
	lastRunAt  int64
	lastError  string

	runMu sync.Mutex // the run-lock; held for the whole of one run

	runCtx context.Context // parents every episode; delete/shutdown cancel it
	cancel context.CancelFunc

	provider Provider
	tools    ToolDispatcher
	memory   *MemoryRouter
	events   *EventRouter
	tracer   Tracer
	logger   *slog.Logger
}

// snapshot copies the config under the record lock. A run works from its
// snapshot for the whole run, so a concurrent update applies only to the
// next trigger.
func (a *BackgroundAgent) snapshot() AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func (a *BackgroundAgent) status() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentStatus{
		ID:         a.id,
		State:      a.state,
		Interval:   a.cfg.Interval,
		RunCount:   a.runCount,
		ErrorCount: a.errorCount,
		LastRunAt:  a.lastRunAt,
		LastError:  a.lastError,
	}
}

// emitStatus publishes the agent's current lifecycle snapshot.
func (a *BackgroundAgent) emitStatus(ctx context.Context) {
	st := a.status()
	a.events.Emit(ctx, a.session, a.id, EventAgentStatus, AgentStatusPayload{
		AgentID:    st.ID,
		State:      st.State,
		LastRunAt:  st.LastRunAt,
		RunCount:   st.RunCount,
		ErrorCount: st.ErrorCount,
	})
}

// trigger handles one scheduler tick. Paused and deleted agents ignore
// ticks; a tick that finds a run in flight emits SkippedBusy and drops.
func (a *BackgroundAgent) trigger() {
	a.mu.Lock()
	st := a.state
	a.mu.Unlock()
	if st == StatePaused || st == StateDeleted {
		return
	}

	if !a.runMu.TryLock() {
		a.events.Emit(a.runCtx, a.session, a.id, EventSkippedBusy, SkippedBusyPayload{AgentID: a.id})
		a.logger.Debug("tick skipped, run in flight", "agent_id", a.id)
		return
	}
	defer a.runMu.Unlock()

	// The record may have been paused or deleted between the state check
	// and lock acquisition.
	a.mu.Lock()
	if a.state == StatePaused || a.state == StateDeleted {
		a.mu.Unlock()
		return
	}
	a.state = StateRunning
	ordinal := a.runCount + 1
	a.mu.Unlock()

	a.run(ordinal)
}

// run executes one scheduled run: up to 1+MaxRetries episode attempts
// with a fixed cancelable delay between them. Caller holds the run-lock.
func (a *BackgroundAgent) run(ordinal int64) {
	ctx := a.runCtx
	snap := a.snapshot()
	started := time.Now()

	a.events.Emit(ctx, a.session, a.id, EventTaskStarted, TaskStartedPayload{AgentID: a.id, RunCount: ordinal})
	a.emitStatus(ctx)
	a.logger.Info("background run started", "agent_id", a.id, "run", ordinal)

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "background.run",
			StringAttr("agent_id", a.id),
			IntAttr("run", int(ordinal)))
		defer span.End()
	}

	var lastErr error
	for attempt := 1; attempt <= snap.MaxRetries+1; attempt++ {
		eng := NewEngine(a.provider,
			EngineName(a.id),
			EngineModel(snap.Model),
			EngineLimits(snap.Limits),
			EngineTools(a.tools),
			EngineMemory(a.memory),
			EngineEvents(a.events),
			EngineTracer(a.tracer),
			EngineLogger(a.logger),
		)
		_, err := eng.Run(ctx, Task{
			SessionID: a.session,
			AgentName: a.id,
			Query:     snap.Query,
			System:    snap.SystemInstruction,
		})
		if err == nil {
			lastErr = nil
			a.events.Emit(ctx, a.session, a.id, EventTaskCompleted, TaskCompletedPayload{
				AgentID:    a.id,
				DurationMS: time.Since(started).Milliseconds(),
			})
			a.logger.Info("background run completed", "agent_id", a.id, "run", ordinal, "duration", time.Since(started))
			break
		}

		lastErr = err
		a.events.Emit(ctx, a.session, a.id, EventTaskError, TaskErrorPayload{
			AgentID:   a.id,
			Attempt:   attempt,
			ErrorKind: KindOf(err),
			Message:   err.Error(),
		})
		a.logger.Warn("background attempt failed", "agent_id", a.id, "run", ordinal, "attempt", attempt, "error", err)

		if ctx.Err() != nil || attempt > snap.MaxRetries {
			break
		}
		timer := time.NewTimer(snap.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = &RunError{Kind: KindCancelled, Message: "run cancelled", Err: ctx.Err()}
			attempt = snap.MaxRetries + 1 // stop retrying
		case <-timer.C:
		}
	}

	a.finishRun(ctx, lastErr)
}

// finishRun updates counters and resolves the post-run state: deleted
// stays deleted, a pause requested mid-run wins, a fully failed run
// parks in error, otherwise idle.
func (a *BackgroundAgent) finishRun(ctx context.Context, runErr error) {
	a.mu.Lock()
	a.runCount++
	a.lastRunAt = NowUnix()
	if runErr != nil {
		a.errorCount++
		a.lastError = runErr.Error()
	}
	deleted := a.state == StateDeleted
	if !deleted {
		switch {
		case a.pauseReq:
			a.state = StatePaused
			a.pauseReq = false
		case runErr != nil:
			a.state = StateError
		default:
			a.state = StateIdle
		}
	}
	a.mu.Unlock()

	if !deleted {
		a.emitStatus(ctx)
	}
}

// applyPatch mutates the config under the record lock and reports
// whether the tick interval changed.
func (a *BackgroundAgent) applyPatch(p AgentPatch) (intervalChanged bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.cfg
	if p.Query != nil {
		next.Query = *p.Query
	}
	if p.SystemInstruction != nil {
		next.SystemInstruction = *p.SystemInstruction
	}
	if p.Model != nil {
		next.Model = *p.Model
	}
	if p.Limits != nil {
		next.Limits = *p.Limits
	}
	if p.Interval != nil {
		next.Interval = *p.Interval
	}
	if p.MaxRetries != nil {
		next.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		next.RetryDelay = *p.RetryDelay
	}
	if err := next.validate(); err != nil {
		return false, fmt.Errorf("update agent %q: %w", a.id, err)
	}
	intervalChanged = next.Interval != a.cfg.Interval
	a.cfg = next
	return intervalChanged, nil
}

// requestPause pauses now when idle, or defers to run end when a run is
// in flight. Reports whether the observable state changed.
func (a *BackgroundAgent) requestPause() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case StateRunning:
		if !a.pauseReq {
			a.pauseReq = true
		}
		return false
	case StateIdle, StateError, StatePending:
		a.state = StatePaused
		return true
	default:
		return false
	}
}

// requestResume clears a pause. Reports whether the observable state
// changed.
func (a *BackgroundAgent) requestResume() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pauseReq {
		a.pauseReq = false
		return false
	}
	if a.state == StatePaused {
		a.state = StateIdle
		return true
	}
	return false
}

// activate moves a pending agent to idle when the manager starts.
// Reports whether the state changed.
func (a *BackgroundAgent) activate() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StatePending {
		return false
	}
	a.state = StateIdle
	return true
}

// markDeleted transitions to the terminal state and cancels any in-flight
// run.
func (a *BackgroundAgent) markDeleted() {
	a.mu.Lock()
	a.state = StateDeleted
	a.mu.Unlock()
	a.cancel()
}
