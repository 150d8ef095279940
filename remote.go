package caravan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ToolProvider is a remote source of callable tools. The transport,
// handshake, and session setup are the provider's concern; the facade
// works with already-established connections. Implementations:
// mcp.Client, or anything speaking the same contract.
type ToolProvider interface {
	// Name identifies the provider; used to disambiguate tool collisions.
	Name() string
	// ListTools returns the provider's tool catalog.
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	// CallTool invokes a tool by its provider-side name.
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// defaultDiscoverLimit bounds concurrent provider discovery calls.
const defaultDiscoverLimit = 4

// RemoteToolFacade presents every configured provider's tools as one
// namespace. Colliding names are disambiguated deterministically: the
// first provider (in configured order) keeps the bare name, later ones
// get "<name>_<provider>". Callers only ever see the public names.
type RemoteToolFacade struct {
	providers []ToolProvider

	mu      sync.RWMutex
	catalog map[string]remoteTool
	order   []string

	validator     *schemaValidator
	discoverLimit int
	logger        *slog.Logger
}

type remoteTool struct {
	def        ToolDefinition // public name and cached schema
	provider   ToolProvider
	remoteName string
}

// FacadeOption configures a RemoteToolFacade.
type FacadeOption func(*RemoteToolFacade)

// FacadeLogger sets the structured logger (default: no output).
func FacadeLogger(l *slog.Logger) FacadeOption {
	return func(f *RemoteToolFacade) { f.logger = l }
}

// FacadeDiscoverLimit bounds concurrent discovery calls (default: 4).
func FacadeDiscoverLimit(n int) FacadeOption {
	return func(f *RemoteToolFacade) {
		if n > 0 {
			f.discoverLimit = n
		}
	}
}

// NewRemoteToolFacade builds a facade over providers. Call Discover before
// Execute; an undiscovered facade knows no tools.
func NewRemoteToolFacade(providers []ToolProvider, opts ...FacadeOption) *RemoteToolFacade {
	f := &RemoteToolFacade{
		providers:     providers,
		catalog:       make(map[string]remoteTool),
		validator:     newSchemaValidator(),
		discoverLimit: defaultDiscoverLimit,
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Discover queries every provider's tool list in parallel and rebuilds the
// public catalog atomically. A provider that fails to list is skipped with
// a warning; Discover fails only when every provider fails.
func (f *RemoteToolFacade) Discover(ctx context.Context) error {
	lists := make([][]ToolDefinition, len(f.providers))
	errs := make([]error, len(f.providers))

	var g errgroup.Group
	g.SetLimit(f.discoverLimit)
	for i, p := range f.providers {
		g.Go(func() error {
			defs, err := p.ListTools(ctx)
			if err != nil {
				errs[i] = err
				f.logger.Warn("tool discovery failed", "provider", p.Name(), "error", err)
				return nil
			}
			lists[i] = defs
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	if len(f.providers) > 0 && failed == len(f.providers) {
		return &RunError{Kind: KindBackendUnavailable, Message: "all tool providers failed discovery", Err: errs[0]}
	}

	// Merge in provider order so collision renames are deterministic.
	catalog := make(map[string]remoteTool)
	var order []string
	for i, p := range f.providers {
		for _, def := range lists[i] {
			public := def.Name
			if _, taken := catalog[public]; taken {
				public = def.Name + "_" + p.Name()
				f.logger.Warn("tool name collision",
					"name", def.Name,
					"provider", p.Name(),
					"renamed", public)
			}
			if _, taken := catalog[public]; taken {
				f.logger.Warn("tool dropped, suffixed name also collides",
					"name", def.Name, "provider", p.Name())
				continue
			}
			pub := def
			pub.Name = public
			catalog[public] = remoteTool{def: pub, provider: p, remoteName: def.Name}
			order = append(order, public)
		}
	}

	f.mu.Lock()
	f.catalog = catalog
	f.order = order
	f.mu.Unlock()

	f.logger.Debug("remote tools discovered", "providers", len(f.providers), "tools", len(order))
	return nil
}

// Lookup returns the public descriptor for name.
func (f *RemoteToolFacade) Lookup(name string) (ToolDefinition, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.catalog[name]
	return t.def, ok
}

// List returns all public descriptors in discovery order.
func (f *RemoteToolFacade) List() []ToolDefinition {
	f.mu.RLock()
	defer f.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(f.order))
	for _, name := range f.order {
		defs = append(defs, f.catalog[name].def)
	}
	return defs
}

// Execute validates arguments against the cached schema and invokes the
// owning provider under timeout. All failure modes are reified into the
// envelope; the facade itself never retries.
func (f *RemoteToolFacade) Execute(ctx context.Context, call ToolCall, timeout time.Duration) Envelope {
	start := time.Now()
	env := Envelope{CallID: call.ID, ProviderKind: ProviderRemote}

	f.mu.RLock()
	t, ok := f.catalog[call.Name]
	f.mu.RUnlock()
	if !ok {
		env.ErrorKind = KindUnknownTool
		env.Content = "unknown tool: " + call.Name
		env.DurationMS = time.Since(start).Milliseconds()
		return env
	}

	if err := f.validator.validate(t.def.Parameters, call.Args); err != nil {
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

	content, err := t.provider.CallTool(callCtx, t.remoteName, call.Args)
	env.DurationMS = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		env.OK = true
		env.Content = content
	case KindOf(err) == KindTimeout:
		env.ErrorKind = KindTimeout
		env.Content = fmt.Sprintf("tool %s timed out after %s", call.Name, timeout)
	case KindOf(err) == KindCancelled:
		env.ErrorKind = KindCancelled
		env.Content = "tool " + call.Name + " cancelled"
	case KindOf(err) == KindToolFailure:
		env.ErrorKind = KindToolFailure
		env.Content = err.Error()
	default:
		// Anything else from a remote provider is a transport problem.
		env.ErrorKind = KindProviderError
		env.Content = err.Error()
	}

	f.logger.Debug("remote tool executed",
		"name", call.Name,
		"provider", t.provider.Name(),
		"ok", env.OK,
		"error_kind", env.ErrorKind,
		"duration", env.DurationMS)
	return env
}
