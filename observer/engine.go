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

// EpisodeRunner runs one reasoning episode. *caravan.Engine satisfies it.
type EpisodeRunner interface {
	Run(ctx context.Context, task caravan.Task) (caravan.Result, error)
}

// ObservedRunner wraps an EpisodeRunner to emit OTEL lifecycle spans,
// metrics, and logs. The episode span parents all inner operations (LLM
// calls, tool executions) via context propagation.
type ObservedRunner struct {
	inner EpisodeRunner
	inst  *Instruments
}

// WrapRunner returns an instrumented episode runner.
func WrapRunner(inner EpisodeRunner, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, inst: inst}
}

func (o *ObservedRunner) Run(ctx context.Context, task caravan.Task) (caravan.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "episode.run", trace.WithAttributes(
		AttrSessionID.String(task.SessionID),
		AttrAgentName.String(task.AgentName),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Run(ctx, task)

	durationMs := float64(time.Since(start).Milliseconds())
	status := string(result.Status)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrEpisodeStatus.String(status),
		AttrTokensInput.Int(result.Usage.InputTokens),
		AttrTokensOutput.Int(result.Usage.OutputTokens),
		attribute.Int("episode.steps", result.Steps),
		attribute.Int("episode.requests", result.Requests),
	)

	// Metrics
	o.inst.Episodes.Add(ctx, 1, metric.WithAttributes(
		AttrAgentName.String(task.AgentName),
		attribute.String("status", status),
	))
	attrs := metric.WithAttributes(AttrAgentName.String(task.AgentName))
	o.inst.EpisodeDuration.Record(ctx, durationMs, attrs)
	o.inst.EpisodeSteps.Record(ctx, int64(result.Steps), attrs)
	o.inst.EpisodeTokens.Record(ctx, int64(result.Usage.Total()), attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("episode completed"))
	rec.AddAttributes(
		otellog.String("session.id", task.SessionID),
		otellog.String("agent.name", task.AgentName),
		otellog.String("episode.status", status),
		otellog.Int("episode.steps", result.Steps),
		otellog.Int("tokens.input", result.Usage.InputTokens),
		otellog.Int("tokens.output", result.Usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time checks
var (
	_ EpisodeRunner = (*caravan.Engine)(nil)
	_ EpisodeRunner = (*ObservedRunner)(nil)
)
