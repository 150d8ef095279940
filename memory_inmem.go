package caravan

import (
	"context"
	"slices"
	"sync"
)

// InMemoryStore is the in-process MemoryBackend: a map of per-session
// message slices. Appends are serialized per store; reads return copies.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
}

// NewInMemoryStore builds an empty in-process message log.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string][]Message)}
}

// Append implements MemoryBackend. It never fails.
func (s *InMemoryStore) Append(_ context.Context, msg Message) error {
	s.mu.Lock()
	s.sessions[msg.SessionID] = append(s.sessions[msg.SessionID], msg)
	s.mu.Unlock()
	return nil
}

// Read implements MemoryBackend.
func (s *InMemoryStore) Read(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.sessions[sessionID]), nil
}

// Clear implements MemoryBackend.
func (s *InMemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// compile-time check
var _ MemoryBackend = (*InMemoryStore)(nil)
