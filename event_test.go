package caravan

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryEventLogHistoryOrder(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	types := []EventType{EventUserMessage, EventToolCall, EventToolResult, EventFinalAnswer}
	for _, typ := range types {
		if err := log.Append(ctx, NewEvent("s1", "agent", typ, nil)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := log.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != len(types) {
		t.Fatalf("got %d events, want %d", len(got), len(types))
	}
	for i, ev := range got {
		if ev.Type != types[i] {
			t.Errorf("event %d: got %s, want %s", i, ev.Type, types[i])
		}
	}
}

func TestMemoryEventLogSessionsIsolated(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	log.Append(ctx, NewEvent("a", "", EventUserMessage, nil))
	log.Append(ctx, NewEvent("b", "", EventUserMessage, nil))

	got, _ := log.History(ctx, "a")
	if len(got) != 1 {
		t.Errorf("session a: got %d events, want 1", len(got))
	}
	if got[0].SessionID != "a" {
		t.Errorf("got session %q, want %q", got[0].SessionID, "a")
	}
}

func TestMemoryEventLogSubscribeReplaysBacklogThenLive(t *testing.T) {
	log := NewMemoryEventLog()
	ctx := context.Background()

	log.Append(ctx, NewEvent("s1", "", EventUserMessage, nil))
	log.Append(ctx, NewEvent("s1", "", EventToolCall, nil))

	ch, cancel, err := log.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	log.Append(ctx, NewEvent("s1", "", EventFinalAnswer, nil))

	want := []EventType{EventUserMessage, EventToolCall, EventFinalAnswer}
	for i, typ := range want {
		select {
		case ev := <-ch:
			if ev.Type != typ {
				t.Errorf("event %d: got %s, want %s", i, ev.Type, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestMemoryEventLogSubscribeCancelClosesChannel(t *testing.T) {
	log := NewMemoryEventLog()
	ch, cancel, err := log.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	cancel() // second call is a no-op

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Appends after cancel must not panic.
	log.Append(context.Background(), NewEvent("s1", "", EventObservation, nil))
}

func TestMemoryEventLogOverflowDropsOldestAndMarks(t *testing.T) {
	log := NewMemoryEventLog(EventQueueSize(3))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		log.Append(ctx, NewEvent("s1", "", EventObservation, ObservationPayload{Content: string(rune('a' + i))}))
	}
	// Queue held [a,b,c]; appending d evicted a. The marker lands on the
	// next append.
	log.Append(ctx, NewEvent("s1", "", EventFinalAnswer, nil))

	got, _ := log.History(ctx, "s1")
	var marker *Event
	for i := range got {
		if got[i].Type == EventDropped {
			marker = &got[i]
			break
		}
	}
	if marker == nil {
		t.Fatal("expected an EventDropped marker in history")
	}
	p, err := EventPayload[DroppedPayload](*marker)
	if err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if p.Count < 1 {
		t.Errorf("marker count = %d, want >= 1", p.Count)
	}
	// No event older than the eviction point survives.
	for _, ev := range got {
		if ev.Type != EventObservation {
			continue
		}
		op, _ := EventPayload[ObservationPayload](ev)
		if op.Content == "a" {
			t.Error("oldest event survived overflow")
		}
	}
}

func TestMemoryEventLogSlowSubscriberGetsMarker(t *testing.T) {
	log := NewMemoryEventLog(SubscriberBuffer(1))
	ctx := context.Background()

	ch, cancel, err := log.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	// Buffer of 1: first append fills it, next two are missed.
	log.Append(ctx, NewEvent("s1", "", EventObservation, ObservationPayload{Content: "one"}))
	log.Append(ctx, NewEvent("s1", "", EventObservation, ObservationPayload{Content: "two"}))
	log.Append(ctx, NewEvent("s1", "", EventObservation, ObservationPayload{Content: "three"}))

	first := <-ch
	if first.Type != EventObservation {
		t.Fatalf("first event: got %s, want %s", first.Type, EventObservation)
	}

	// Subscriber drained; the next append delivers the loss marker first.
	log.Append(ctx, NewEvent("s1", "", EventFinalAnswer, nil))
	second := <-ch
	if second.Type != EventDropped {
		t.Fatalf("after drain: got %s, want %s", second.Type, EventDropped)
	}
	p, _ := EventPayload[DroppedPayload](second)
	if p.Count != 2 {
		t.Errorf("marker count = %d, want 2", p.Count)
	}
}

func TestEventPayloadRoundTrip(t *testing.T) {
	ev := NewEvent("s1", "worker", EventTaskError, TaskErrorPayload{
		AgentID:   "worker",
		Attempt:   2,
		ErrorKind: KindTimeout,
		Message:   "tool call exceeded deadline",
	})
	p, err := EventPayload[TaskErrorPayload](ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.AgentID != "worker" || p.Attempt != 2 || p.ErrorKind != KindTimeout {
		t.Errorf("unexpected payload: %+v", p)
	}
}

// flakyEventBackend fails the first n appends, then succeeds.
type flakyEventBackend struct {
	failures int
	appends  int
	events   []Event
}

func (f *flakyEventBackend) Append(_ context.Context, ev Event) error {
	f.appends++
	if f.appends <= f.failures {
		return errors.New("connection reset")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *flakyEventBackend) History(_ context.Context, _ string) ([]Event, error) {
	return f.events, nil
}

func (f *flakyEventBackend) Subscribe(_ context.Context, _ string) (<-chan Event, func(), error) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}, nil
}

func TestEventRouterRetriesTransientAppend(t *testing.T) {
	backend := &flakyEventBackend{failures: 2}
	router := NewEventRouter(backend)

	err := router.Publish(context.Background(), NewEvent("s1", "", EventUserMessage, nil))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if backend.appends != 3 {
		t.Errorf("got %d append attempts, want 3", backend.appends)
	}
}

func TestEventRouterSurfacesBackendUnavailable(t *testing.T) {
	backend := &flakyEventBackend{failures: 10}
	router := NewEventRouter(backend)

	err := router.Publish(context.Background(), NewEvent("s1", "", EventUserMessage, nil))
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if KindOf(err) != KindBackendUnavailable {
		t.Errorf("got kind %q, want %q", KindOf(err), KindBackendUnavailable)
	}
}

func TestEventRouterEmitSwallowsFailure(t *testing.T) {
	backend := &flakyEventBackend{failures: 10}
	router := NewEventRouter(backend)

	// Emit must not panic or propagate the failure.
	router.Emit(context.Background(), "s1", "agent", EventObservation, ObservationPayload{Content: "x"})
}
