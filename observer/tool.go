package observer

import (
	"context"
	"time"

	caravan "github.com/nevindra/caravan"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTools wraps a caravan.ToolDispatcher with OTEL instrumentation.
// Wrap the resolver once and hand it to EngineTools / ManagerTools; every
// dispatched call then carries a span and counters regardless of whether
// the tool is local or remote.
type ObservedTools struct {
	inner caravan.ToolDispatcher
	inst  *Instruments
}

// WrapTools returns an instrumented tool dispatcher.
func WrapTools(inner caravan.ToolDispatcher, inst *Instruments) *ObservedTools {
	return &ObservedTools{inner: inner, inst: inst}
}

func (o *ObservedTools) List() []caravan.ToolDefinition {
	return o.inner.List()
}

func (o *ObservedTools) Execute(ctx context.Context, call caravan.ToolCall, timeout time.Duration) caravan.Envelope {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(call.Name),
	))
	defer span.End()

	env := o.inner.Execute(ctx, call, timeout)

	status := "ok"
	if !env.OK {
		status = string(env.ErrorKind)
		span.SetStatus(codes.Error, env.Content)
	}

	span.SetAttributes(
		AttrToolProviderKind.String(string(env.ProviderKind)),
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(env.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(call.Name),
		AttrToolProviderKind.String(string(env.ProviderKind)),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, float64(env.DurationMS), metric.WithAttributes(
		AttrToolName.String(call.Name),
		AttrToolProviderKind.String(string(env.ProviderKind)),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", call.Name),
		otellog.String("tool.provider_kind", string(env.ProviderKind)),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(env.Content)),
		otellog.Int64("tool.duration_ms", env.DurationMS),
	)
	o.inst.Logger.Emit(ctx, rec)

	return env
}

// compile-time check
var _ caravan.ToolDispatcher = (*ObservedTools)(nil)
