// Package redis implements caravan's memory and event backends on Redis.
//
// MessageStore keeps each session's conversation in a list (RPUSH/LRANGE),
// which preserves insertion order without relying on timestamps. EventLog
// keeps each session's events in a stream (XADD/XRANGE/XREAD): subscribers
// replay the retained backlog first and then follow live appends. Both
// accept an externally-owned *redis.Client; the caller closes it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nevindra/caravan"
)

const (
	// defaultPrefix namespaces all keys so the backends can share a
	// database with other workloads.
	defaultPrefix = "caravan:"
	// defaultMaxStreamLen bounds per-session event retention. Trimming is
	// approximate; lagging consumers resume at the oldest retained entry.
	defaultMaxStreamLen = 4096
	// defaultSubscriberBuffer is the live headroom on subscriber channels
	// beyond the replayed backlog.
	defaultSubscriberBuffer = 64
	// xreadBlock is how long a bridge goroutine parks in XREAD before
	// re-checking its context.
	xreadBlock = 5 * time.Second
)

type config struct {
	prefix       string
	maxStreamLen int64
	subBuffer    int
}

// Option configures a MessageStore or EventLog.
type Option func(*config)

// WithPrefix sets the key namespace (default "caravan:").
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithMaxStreamLen bounds per-session event stream retention (default 4096).
// Only EventLog uses it.
func WithMaxStreamLen(n int64) Option {
	return func(c *config) { c.maxStreamLen = n }
}

// WithSubscriberBuffer sets the live headroom on subscriber channels
// (default 64). Only EventLog uses it.
func WithSubscriberBuffer(n int) Option {
	return func(c *config) { c.subBuffer = n }
}

func buildConfig(opts []Option) config {
	c := config{
		prefix:       defaultPrefix,
		maxStreamLen: defaultMaxStreamLen,
		subBuffer:    defaultSubscriberBuffer,
	}
	for _, o := range opts {
		o(&c)
	}
	if c.maxStreamLen < 1 {
		c.maxStreamLen = 1
	}
	if c.subBuffer < 1 {
		c.subBuffer = 1
	}
	return c
}

// --- MessageStore ---

// MessageStore implements caravan.MemoryBackend on Redis lists.
type MessageStore struct {
	client *goredis.Client
	cfg    config
}

var _ caravan.MemoryBackend = (*MessageStore)(nil)

// NewMessageStore creates a MessageStore using an existing client.
// The caller owns the client and is responsible for closing it.
func NewMessageStore(client *goredis.Client, opts ...Option) *MessageStore {
	return &MessageStore{client: client, cfg: buildConfig(opts)}
}

func (s *MessageStore) key(sessionID string) string {
	return s.cfg.prefix + "messages:" + sessionID
}

// Append pushes one message onto the end of its session's list.
func (s *MessageStore) Append(ctx context.Context, msg caravan.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: encode message: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(msg.SessionID), data).Err(); err != nil {
		return fmt.Errorf("redis: append message: %w", err)
	}
	return nil
}

// Read returns all messages for a session in insertion order.
func (s *MessageStore) Read(ctx context.Context, sessionID string) ([]caravan.Message, error) {
	vals, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read messages: %w", err)
	}
	messages := make([]caravan.Message, 0, len(vals))
	for _, v := range vals {
		var m caravan.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("redis: decode message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// Clear removes all messages for a session.
func (s *MessageStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis: clear session: %w", err)
	}
	return nil
}

// --- EventLog ---

// EventLog implements caravan.EventBackend on Redis streams. Appends trim
// the stream approximately to the configured length; the engine treats
// slow appends as normal suspension and emits no overflow markers here.
type EventLog struct {
	client *goredis.Client
	cfg    config
}

var _ caravan.EventBackend = (*EventLog)(nil)

// NewEventLog creates an EventLog using an existing client.
// The caller owns the client and is responsible for closing it.
func NewEventLog(client *goredis.Client, opts ...Option) *EventLog {
	return &EventLog{client: client, cfg: buildConfig(opts)}
}

func (l *EventLog) key(sessionID string) string {
	return l.cfg.prefix + "events:" + sessionID
}

// Append adds one event to its session's stream.
func (l *EventLog) Append(ctx context.Context, ev caravan.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event: %w", err)
	}
	err = l.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: l.key(ev.SessionID),
		MaxLen: l.cfg.maxStreamLen,
		Approx: true,
		Values: map[string]any{"event": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: append event: %w", err)
	}
	return nil
}

// History returns the retained events for a session in append order.
func (l *EventLog) History(ctx context.Context, sessionID string) ([]caravan.Event, error) {
	entries, err := l.client.XRange(ctx, l.key(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read events: %w", err)
	}
	events := make([]caravan.Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe returns a channel fed with the session's retained backlog and
// then live appends. The backlog snapshot records the last stream ID and
// the live reader picks up strictly after it, so nothing is duplicated or
// lost across the handoff. Cancelling ctx or calling the returned func
// stops the reader and closes the channel.
func (l *EventLog) Subscribe(ctx context.Context, sessionID string) (<-chan caravan.Event, func(), error) {
	key := l.key(sessionID)
	entries, err := l.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis: read backlog: %w", err)
	}

	lastID := "0"
	backlog := make([]caravan.Event, 0, len(entries))
	for _, entry := range entries {
		ev, err := decodeEntry(entry)
		if err != nil {
			return nil, nil, err
		}
		backlog = append(backlog, ev)
		lastID = entry.ID
	}

	ch := make(chan caravan.Event, len(backlog)+l.cfg.subBuffer)
	for _, ev := range backlog {
		ch <- ev
	}

	streamCtx, stop := context.WithCancel(ctx)
	go l.follow(streamCtx, key, lastID, ch)
	return ch, stop, nil
}

// follow bridges XREAD into ch until ctx is cancelled, then closes ch.
func (l *EventLog) follow(ctx context.Context, key, lastID string, ch chan<- caravan.Event) {
	defer close(ch)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := l.client.XRead(ctx, &goredis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   128,
			Block:   xreadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue // block timed out, nothing new
			}
			if ctx.Err() != nil {
				return
			}
			// Transient failure: back off briefly, then resume from lastID.
			timer := time.NewTimer(time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		for _, stream := range res {
			for _, entry := range stream.Messages {
				ev, err := decodeEntry(entry)
				if err != nil {
					continue // skip foreign entries on the stream
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
				lastID = entry.ID
			}
		}
	}
}

// decodeEntry extracts the serialized event from one stream entry.
func decodeEntry(entry goredis.XMessage) (caravan.Event, error) {
	var ev caravan.Event
	raw, ok := entry.Values["event"].(string)
	if !ok {
		return ev, fmt.Errorf("redis: entry %s has no event field", entry.ID)
	}
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, fmt.Errorf("redis: decode event: %w", err)
	}
	return ev, nil
}
