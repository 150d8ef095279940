// Package sqlite implements caravan.MemoryBackend using pure-Go SQLite.
// Zero CGO required. Messages are kept in a single table keyed by session
// and read back in insertion order.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/caravan"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a MessageStore.
type Option func(*MessageStore)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *MessageStore) { s.logger = l }
}

// MessageStore implements caravan.MemoryBackend backed by a local SQLite
// file. Insertion order is preserved by an autoincrement sequence column,
// so reads do not depend on timestamp granularity.
type MessageStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ caravan.MemoryBackend = (*MessageStore)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a MessageStore using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...Option) *MessageStore {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &MessageStore{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the messages table. Safe to call more than once.
func (s *MessageStore) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Append inserts one message at the end of its session's log.
func (s *MessageStore) Append(ctx context.Context, msg caravan.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "id", msg.ID, "session_id", msg.SessionID, "role", msg.Role)

	var metaJSON *string
	if len(msg.Metadata) > 0 {
		data, _ := json.Marshal(msg.Metadata)
		v := string(data)
		metaJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, metaJSON, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

// Read returns all messages for a session in insertion order.
func (s *MessageStore) Read(ctx context.Context, sessionID string) ([]caravan.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: read messages", "session_id", sessionID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, metadata, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		s.logger.Error("sqlite: read messages failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var messages []caravan.Message
	for rows.Next() {
		var m caravan.Message
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	s.logger.Debug("sqlite: read messages ok", "session_id", sessionID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Clear removes all messages for a session.
func (s *MessageStore) Clear(ctx context.Context, sessionID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: clear session", "session_id", sessionID)

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
	if err != nil {
		s.logger.Error("sqlite: clear session failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("clear session: %w", err)
	}
	removed, _ := res.RowsAffected()
	s.logger.Debug("sqlite: clear session ok", "session_id", sessionID, "removed", removed, "duration", time.Since(start))
	return nil
}

// DB exposes the underlying connection pool for callers that need raw
// queries alongside the message log.
func (s *MessageStore) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *MessageStore) Close() error { return s.db.Close() }
