package caravan

import (
	"context"
	"slices"
	"sync"
)

const (
	// defaultEventQueue bounds the per-session retained backlog.
	defaultEventQueue = 256
	// defaultSubscriberBuffer is the live headroom on subscriber channels
	// beyond the replayed backlog.
	defaultSubscriberBuffer = 64
)

// MemoryEventLog is the in-process EventBackend. Each session keeps a
// bounded queue of retained events; overflow evicts the oldest and the
// next append inserts a single coalesced EventDropped marker. Subscribers
// receive the retained backlog first, then live appends. A slow
// subscriber loses events rather than blocking Append; the loss is
// surfaced on its channel as an EventDropped marker once it drains.
type MemoryEventLog struct {
	mu       sync.Mutex
	sessions map[string]*sessionEvents

	maxQueue  int
	subBuffer int
}

type sessionEvents struct {
	events  []Event
	dropped int // evictions since the last marker was appended
	subs    map[*eventSub]struct{}
}

type eventSub struct {
	ch      chan Event
	dropped int // events this subscriber missed since its last marker
}

// MemoryEventLogOption configures a MemoryEventLog.
type MemoryEventLogOption func(*MemoryEventLog)

// EventQueueSize sets the per-session retained backlog bound (default: 256).
func EventQueueSize(n int) MemoryEventLogOption {
	return func(l *MemoryEventLog) { l.maxQueue = n }
}

// SubscriberBuffer sets the live headroom on subscriber channels (default: 64).
func SubscriberBuffer(n int) MemoryEventLogOption {
	return func(l *MemoryEventLog) { l.subBuffer = n }
}

// NewMemoryEventLog builds an in-process event backend.
func NewMemoryEventLog(opts ...MemoryEventLogOption) *MemoryEventLog {
	l := &MemoryEventLog{
		sessions:  make(map[string]*sessionEvents),
		maxQueue:  defaultEventQueue,
		subBuffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.maxQueue < 1 {
		l.maxQueue = 1
	}
	if l.subBuffer < 1 {
		l.subBuffer = 1
	}
	return l
}

// Append implements EventBackend. It never fails.
func (l *MemoryEventLog) Append(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.session(ev.SessionID)
	if s.dropped > 0 {
		marker := NewEvent(ev.SessionID, "", EventDropped, DroppedPayload{Count: s.dropped})
		s.dropped = 0
		l.push(s, marker)
	}
	l.push(s, ev)
	return nil
}

// push appends ev to the retained queue, evicting the oldest on overflow,
// and fans it out to live subscribers.
func (l *MemoryEventLog) push(s *sessionEvents, ev Event) {
	s.events = append(s.events, ev)
	if len(s.events) > l.maxQueue {
		n := copy(s.events, s.events[1:])
		s.events[n] = Event{}
		s.events = s.events[:n]
		s.dropped++
	}
	for sub := range s.subs {
		sub.deliver(ev)
	}
}

// deliver sends ev without blocking. A full channel counts the miss; once
// room appears the subscriber first receives a marker for what it lost.
func (sub *eventSub) deliver(ev Event) {
	if sub.dropped > 0 {
		marker := NewEvent(ev.SessionID, "", EventDropped, DroppedPayload{Count: sub.dropped})
		select {
		case sub.ch <- marker:
			sub.dropped = 0
		default:
			sub.dropped++
			return
		}
	}
	select {
	case sub.ch <- ev:
	default:
		sub.dropped++
	}
}

// History implements EventBackend: the retained events in append order.
func (l *MemoryEventLog) History(_ context.Context, sessionID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(s.events), nil
}

// Subscribe implements EventBackend. The channel is preloaded with the
// retained backlog under the lock, so no live event can interleave with
// the replay or be lost between snapshot and registration.
func (l *MemoryEventLog) Subscribe(_ context.Context, sessionID string) (<-chan Event, func(), error) {
	l.mu.Lock()
	s := l.session(sessionID)
	sub := &eventSub{ch: make(chan Event, len(s.events)+l.subBuffer)}
	for _, ev := range s.events {
		sub.ch <- ev
	}
	s.subs[sub] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			if s, ok := l.sessions[sessionID]; ok {
				delete(s.subs, sub)
			}
			l.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// session returns the record for sessionID, creating it lazily.
// Callers must hold l.mu.
func (l *MemoryEventLog) session(sessionID string) *sessionEvents {
	s, ok := l.sessions[sessionID]
	if !ok {
		s = &sessionEvents{subs: make(map[*eventSub]struct{})}
		l.sessions[sessionID] = s
	}
	return s
}

// compile-time check
var _ EventBackend = (*MemoryEventLog)(nil)
