package observer

import (
	"context"

	caravan "github.com/nevindra/caravan"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventRecorder turns streamed caravan events into metrics: background
// run outcomes, skipped scheduler ticks, and dropped-event markers. Feed
// it every event received from EventRouter.Stream; event types it does
// not count are ignored.
type EventRecorder struct {
	inst *Instruments
}

// NewEventRecorder returns a recorder over the given instruments.
func NewEventRecorder(inst *Instruments) *EventRecorder {
	return &EventRecorder{inst: inst}
}

// Record counts one event. Safe for concurrent use.
func (r *EventRecorder) Record(ctx context.Context, ev caravan.Event) {
	switch ev.Type {
	case caravan.EventTaskStarted:
		r.inst.BackgroundRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(ev.AgentName),
			attribute.String("outcome", "started"),
		))
	case caravan.EventTaskCompleted:
		r.inst.BackgroundRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(ev.AgentName),
			attribute.String("outcome", "completed"),
		))
	case caravan.EventTaskError:
		r.inst.BackgroundRuns.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(ev.AgentName),
			attribute.String("outcome", "error"),
		))
	case caravan.EventSkippedBusy:
		r.inst.SkippedTicks.Add(ctx, 1, metric.WithAttributes(
			AttrAgentName.String(ev.AgentName),
		))
	case caravan.EventDropped:
		p, err := caravan.EventPayload[caravan.DroppedPayload](ev)
		if err != nil || p.Count <= 0 {
			return
		}
		r.inst.DroppedEvents.Add(ctx, int64(p.Count), metric.WithAttributes(
			AttrSessionID.String(ev.SessionID),
		))
	}
}
