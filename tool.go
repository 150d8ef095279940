package caravan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ToolFunc is an in-process tool callable. Args have already passed schema
// validation. The returned string becomes the envelope content; a non-nil
// error marks the envelope as failed.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool bundles one or more definitions with a shared executor, for
// capabilities that expose several related functions.
type Tool interface {
	Definitions() []ToolDefinition
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// defaultToolWorkers bounds concurrently executing local tools.
const defaultToolWorkers = 10

// ToolRegistry is the in-process tool catalog. Registration is allowed at
// runtime; readers always see complete descriptors. Blocking callables run
// on a bounded worker pool so a stuck tool cannot exhaust the process.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string

	slots     chan struct{}
	validator *schemaValidator
	logger    *slog.Logger
}

type registeredTool struct {
	def ToolDefinition
	fn  ToolFunc
}

// ToolRegistryOption configures a ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// RegistryWorkers sets the worker pool size (default: 10).
func RegistryWorkers(n int) ToolRegistryOption {
	return func(r *ToolRegistry) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// RegistryLogger sets the structured logger (default: no output).
func RegistryLogger(l *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:     make(map[string]registeredTool),
		slots:     make(chan struct{}, defaultToolWorkers),
		validator: newSchemaValidator(),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a tool. The descriptor's parameters schema is required
// and must compile. A duplicate name overwrites the previous registration
// with a warning.
func (r *ToolRegistry) Register(def ToolDefinition, fn ToolFunc) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if fn == nil {
		return fmt.Errorf("register tool %q: callable is required", def.Name)
	}
	if len(def.Parameters) == 0 {
		return fmt.Errorf("register tool %q: parameters schema is required", def.Name)
	}
	if _, err := r.validator.compiled(def.Parameters); err != nil {
		return fmt.Errorf("register tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		r.logger.Warn("tool overwritten", "name", def.Name)
	} else {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, fn: fn}
	return nil
}

// AddTool registers every definition of t.
func (r *ToolRegistry) AddTool(t Tool) error {
	for _, def := range t.Definitions() {
		name := def.Name
		err := r.Register(def, func(ctx context.Context, args json.RawMessage) (string, error) {
			return t.Call(ctx, name, args)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the descriptor for name.
func (r *ToolRegistry) Lookup(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t.def, ok
}

// List returns all descriptors in registration order.
func (r *ToolRegistry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Execute validates the call's arguments, runs the callable on the worker
// pool under timeout, and returns a normalized envelope. It never returns
// an error: every failure mode is reified into the envelope.
func (r *ToolRegistry) Execute(ctx context.Context, call ToolCall, timeout time.Duration) Envelope {
	start := time.Now()
	env := Envelope{CallID: call.ID, ProviderKind: ProviderLocal}

	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		env.ErrorKind = KindUnknownTool
		env.Content = "unknown tool: " + call.Name
		env.DurationMS = time.Since(start).Milliseconds()
		return env
	}

	if err := r.validator.validate(t.def.Parameters, call.Args); err != nil {
		env.ErrorKind = KindBadArguments
		env.Content = "invalid arguments for " + call.Name + ": " + err.Error()
		env.DurationMS = time.Since(start).Milliseconds()
		return env
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Acquire a worker slot; a saturated pool counts against the timeout.
	select {
	case r.slots <- struct{}{}:
	case <-callCtx.Done():
		return r.finish(env, "", callCtx.Err(), start, call.Name)
	}

	type outcome struct {
		content string
		err     error
	}
	resCh := make(chan outcome, 1)
	go func() {
		defer func() { <-r.slots }()
		defer func() {
			if p := recover(); p != nil {
				resCh <- outcome{err: fmt.Errorf("tool %q panic: %v", call.Name, p)}
			}
		}()
		content, err := t.fn(callCtx, call.Args)
		resCh <- outcome{content: content, err: err}
	}()

	select {
	case res := <-resCh:
		return r.finish(env, res.content, res.err, start, call.Name)
	case <-callCtx.Done():
		return r.finish(env, "", callCtx.Err(), start, call.Name)
	}
}

// finish classifies err into the envelope and stamps the duration.
func (r *ToolRegistry) finish(env Envelope, content string, err error, start time.Time, name string) Envelope {
	env.DurationMS = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		env.OK = true
		env.Content = content
	case KindOf(err) == KindTimeout:
		env.ErrorKind = KindTimeout
		env.Content = "tool " + name + " timed out"
	case KindOf(err) == KindCancelled:
		env.ErrorKind = KindCancelled
		env.Content = "tool " + name + " cancelled"
	default:
		// Tools may classify their own failures; otherwise ToolFailure.
		if kind := KindOf(err); kind != "" {
			env.ErrorKind = kind
		} else {
			env.ErrorKind = KindToolFailure
		}
		env.Content = err.Error()
	}
	r.logger.Debug("tool executed",
		"name", name,
		"ok", env.OK,
		"error_kind", env.ErrorKind,
		"duration", env.DurationMS)
	return env
}
