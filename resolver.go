package caravan

import (
	"context"
	"time"
)

// ToolDispatcher executes tool calls against a catalog of descriptors.
// ToolRegistry, RemoteToolFacade, and ToolResolver all satisfy it; the
// observer package wraps any of them with an instrumented dispatcher.
type ToolDispatcher interface {
	// Execute runs the call and reifies the outcome into an envelope.
	Execute(ctx context.Context, call ToolCall, timeout time.Duration) Envelope
	// List returns every known tool descriptor.
	List() []ToolDefinition
}

// ToolResolver is the single dispatch point for every tool call: local
// registry first, then the remote facade, else UnknownTool. Exactly one
// provider is invoked per call and exactly one envelope comes back. The
// resolver holds no state beyond the two catalogs.
type ToolResolver struct {
	registry *ToolRegistry     // may be nil
	facade   *RemoteToolFacade // may be nil
}

var (
	_ ToolDispatcher = (*ToolResolver)(nil)
	_ ToolDispatcher = (*ToolRegistry)(nil)
	_ ToolDispatcher = (*RemoteToolFacade)(nil)
)

// NewToolResolver builds a resolver over the given catalogs. Either may be
// nil when that provider family is not configured.
func NewToolResolver(registry *ToolRegistry, facade *RemoteToolFacade) *ToolResolver {
	return &ToolResolver{registry: registry, facade: facade}
}

// Execute routes the call to whichever catalog knows the name.
func (r *ToolResolver) Execute(ctx context.Context, call ToolCall, timeout time.Duration) Envelope {
	start := time.Now()
	if r.registry != nil {
		if _, ok := r.registry.Lookup(call.Name); ok {
			return r.registry.Execute(ctx, call, timeout)
		}
	}
	if r.facade != nil {
		if _, ok := r.facade.Lookup(call.Name); ok {
			return r.facade.Execute(ctx, call, timeout)
		}
	}
	return Envelope{
		CallID:       call.ID,
		ErrorKind:    KindUnknownTool,
		Content:      "unknown tool: " + call.Name,
		DurationMS:   time.Since(start).Milliseconds(),
		ProviderKind: ProviderNone,
	}
}

// List returns every known descriptor, local tools first.
func (r *ToolResolver) List() []ToolDefinition {
	var defs []ToolDefinition
	if r.registry != nil {
		defs = append(defs, r.registry.List()...)
	}
	if r.facade != nil {
		defs = append(defs, r.facade.List()...)
	}
	return defs
}
