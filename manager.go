package caravan

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var errManagerClosed = errors.New("manager is shut down")

// Manager owns the background-agent control plane: a record table keyed
// by agent id plus one scheduler. The table lock is map-level and brief;
// per-record fields live behind the record's own locks, and runs execute
// entirely outside the table lock.
type Manager struct {
	provider Provider
	tools    ToolDispatcher
	memory   *MemoryRouter
	events   *EventRouter
	tracer   Tracer
	logger   *slog.Logger

	sched *Scheduler

	root   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	agents  map[string]*BackgroundAgent
	started bool
	closed  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// ManagerTools sets the tool dispatcher shared by every agent's runs.
func ManagerTools(tools ToolDispatcher) ManagerOption {
	return func(m *Manager) {
		if tools != nil {
			m.tools = tools
		}
	}
}

// ManagerMemory sets the memory router shared by every agent's runs.
func ManagerMemory(memory *MemoryRouter) ManagerOption {
	return func(m *Manager) {
		if memory != nil {
			m.memory = memory
		}
	}
}

// ManagerEvents sets the event router shared by every agent's runs.
func ManagerEvents(events *EventRouter) ManagerOption {
	return func(m *Manager) {
		if events != nil {
			m.events = events
		}
	}
}

// ManagerTracer sets the tracer for runs and tool dispatch.
func ManagerTracer(tracer Tracer) ManagerOption {
	return func(m *Manager) { m.tracer = tracer }
}

// ManagerLogger sets the logger. Defaults to a no-op logger.
func ManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a manager with no agents. Provider is required;
// memory, events, and tools default to in-process implementations so a
// bare manager works out of the box.
func NewManager(provider Provider, opts ...ManagerOption) *Manager {
	if provider == nil {
		panic("caravan: NewManager requires a provider")
	}
	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider: provider,
		logger:   nopLogger,
		root:     root,
		cancel:   cancel,
		agents:   make(map[string]*BackgroundAgent),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tools == nil {
		m.tools = NewToolResolver(nil, nil)
	}
	if m.memory == nil {
		m.memory = NewMemoryRouter(NewInMemoryStore())
	}
	if m.events == nil {
		m.events = NewEventRouter(NewMemoryEventLog())
	}
	m.sched = NewScheduler(SchedulerLogger(m.logger))
	return m
}

// CreateAgent registers a background agent. The id must be unique; an
// empty id gets a generated one. The agent starts pending until the
// manager starts, idle once schedulable, and begins ticking immediately
// when the manager is already running.
func (m *Manager) CreateAgent(cfg AgentConfig) (string, error) {
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	if err := cfg.validate(); err != nil {
		return "", fmt.Errorf("create agent %q: %w", cfg.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("create agent %q: %w", cfg.ID, errManagerClosed)
	}
	if _, exists := m.agents[cfg.ID]; exists {
		return "", fmt.Errorf("create agent %q: %w", cfg.ID, ErrDuplicateID)
	}

	runCtx, cancel := context.WithCancel(m.root)
	state := StatePending
	if m.started {
		state = StateIdle
	}
	rec := &BackgroundAgent{
		id:       cfg.ID,
		session:  BackgroundSession(cfg.ID),
		cfg:      cfg,
		state:    state,
		runCtx:   runCtx,
		cancel:   cancel,
		provider: m.provider,
		tools:    m.tools,
		memory:   m.memory,
		events:   m.events,
		tracer:   m.tracer,
		logger:   m.logger,
	}
	m.agents[cfg.ID] = rec
	if m.started {
		m.sched.Schedule(cfg.ID, cfg.Interval, rec.trigger)
	}
	m.logger.Info("agent created", "agent_id", cfg.ID, "interval", cfg.Interval)
	return cfg.ID, nil
}

// UpdateAgent applies a partial config update. A run already in flight
// finishes with its old snapshot; the patch applies from the next
// trigger. An interval change reschedules from this moment.
func (m *Manager) UpdateAgent(id string, patch AgentPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("update agent %q: %w", id, ErrNotFound)
	}
	intervalChanged, err := rec.applyPatch(patch)
	if err != nil {
		return err
	}
	if intervalChanged && m.started {
		m.sched.Schedule(id, *patch.Interval, rec.trigger)
	}
	m.logger.Debug("agent updated", "agent_id", id, "rescheduled", intervalChanged)
	return nil
}

// PauseAgent stops future ticks from running the agent. An in-flight run
// is not cancelled; the pause takes effect when it ends.
func (m *Manager) PauseAgent(id string) error {
	rec, err := m.get("pause", id)
	if err != nil {
		return err
	}
	if rec.requestPause() {
		rec.emitStatus(rec.runCtx)
		m.logger.Info("agent paused", "agent_id", id)
	}
	return nil
}

// ResumeAgent lifts a pause. Resuming an agent that is not paused is a
// no-op, so pause/resume pairs are idempotent.
func (m *Manager) ResumeAgent(id string) error {
	rec, err := m.get("resume", id)
	if err != nil {
		return err
	}
	if rec.requestResume() {
		rec.emitStatus(rec.runCtx)
		m.logger.Info("agent resumed", "agent_id", id)
	}
	return nil
}

// DeleteAgent removes the agent permanently. An in-flight run is
// cancelled cooperatively and unwinds on its own; the record disappears
// from status and list immediately.
func (m *Manager) DeleteAgent(id string) error {
	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete agent %q: %w", id, ErrNotFound)
	}
	delete(m.agents, id)
	m.sched.Remove(id)
	m.mu.Unlock()

	rec.markDeleted()
	rec.emitStatus(context.Background())
	m.logger.Info("agent deleted", "agent_id", id)
	return nil
}

// Status returns a snapshot of one agent.
func (m *Manager) Status(id string) (AgentStatus, error) {
	rec, err := m.get("status", id)
	if err != nil {
		return AgentStatus{}, err
	}
	return rec.status(), nil
}

// List returns a snapshot of every registered agent, ordered by id.
func (m *Manager) List() []AgentStatus {
	m.mu.Lock()
	recs := make([]*BackgroundAgent, 0, len(m.agents))
	for _, rec := range m.agents {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make([]AgentStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.status())
	}
	slices.SortFunc(out, func(a, b AgentStatus) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Start begins scheduling. Agents created before Start move from pending
// to idle and get their tickers; agents created after are scheduled on
// creation. Start is idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	for id, rec := range m.agents {
		if rec.activate() {
			rec.emitStatus(rec.runCtx)
		}
		m.sched.Schedule(id, rec.snapshot().Interval, rec.trigger)
	}
	m.logger.Info("manager started", "agents", len(m.agents))
}

// Shutdown cancels in-flight runs, stops every ticker, and waits for
// running callbacks to unwind. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	wasClosed := m.closed
	m.closed = true
	m.started = false
	m.mu.Unlock()

	m.cancel()
	m.sched.Shutdown()
	if !wasClosed {
		m.logger.Info("manager stopped")
	}
}

func (m *Manager) get(op, id string) (*BackgroundAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("%s agent %q: %w", op, id, ErrNotFound)
	}
	return rec, nil
}
