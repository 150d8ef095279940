// Package postgres implements caravan.MemoryBackend using PostgreSQL.
//
// MessageStore accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/caravan"
)

// MessageStore implements caravan.MemoryBackend backed by PostgreSQL.
// A BIGSERIAL sequence column preserves insertion order independent of
// timestamp granularity.
type MessageStore struct {
	pool *pgxpool.Pool
}

var _ caravan.MemoryBackend = (*MessageStore)(nil)

// New creates a MessageStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// Init creates the messages table and its session index.
// Safe to call multiple times (all statements are idempotent).
func (s *MessageStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: memory init: %w", err)
		}
	}
	return nil
}

// Append inserts one message at the end of its session's log.
func (s *MessageStore) Append(ctx context.Context, msg caravan.Message) error {
	var metaJSON []byte
	if len(msg.Metadata) > 0 {
		metaJSON, _ = json.Marshal(msg.Metadata)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, metaJSON, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append message: %w", err)
	}
	return nil
}

// Read returns all messages for a session in insertion order.
func (s *MessageStore) Read(ctx context.Context, sessionID string) ([]caravan.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, metadata, created_at
		 FROM messages
		 WHERE session_id = $1
		 ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: read messages: %w", err)
	}
	defer rows.Close()

	var messages []caravan.Message
	for rows.Next() {
		var m caravan.Message
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &m.Metadata)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Clear removes all messages for a session.
func (s *MessageStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres: clear session: %w", err)
	}
	return nil
}
