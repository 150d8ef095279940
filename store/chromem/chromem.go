// Package chromem implements caravan.MemoryBackend with vector search on
// chromem-go. Each session keeps an in-process ordered log for reads and
// an embedded vector collection for SemanticSearch, so the optional
// capability needs no external service. State lives for the process.
package chromem

import (
	"context"
	"fmt"
	"slices"
	"sync"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/nevindra/caravan"
)

// VectorStore implements caravan.MemoryBackend and caravan.SemanticSearcher.
// Messages with empty content still appear in ordered reads but are not
// indexed for search.
type VectorStore struct {
	mu          sync.RWMutex
	db          *chromemgo.DB
	embed       chromemgo.EmbeddingFunc
	logs        map[string][]caravan.Message
	byID        map[string]map[string]caravan.Message
	collections map[string]*chromemgo.Collection
}

var (
	_ caravan.MemoryBackend    = (*VectorStore)(nil)
	_ caravan.SemanticSearcher = (*VectorStore)(nil)
)

// New creates a VectorStore that embeds message content with embedder.
// A nil embedder panics.
func New(embedder caravan.EmbeddingProvider) *VectorStore {
	if embedder == nil {
		panic("chromem: New requires an embedding provider")
	}
	return &VectorStore{
		db: chromemgo.NewDB(),
		embed: func(ctx context.Context, text string) ([]float32, error) {
			vecs, err := embedder.Embed(ctx, []string{text})
			if err != nil {
				return nil, err
			}
			if len(vecs) == 0 {
				return nil, fmt.Errorf("chromem: embedder %s returned no vectors", embedder.Name())
			}
			return vecs[0], nil
		},
		logs:        make(map[string][]caravan.Message),
		byID:        make(map[string]map[string]caravan.Message),
		collections: make(map[string]*chromemgo.Collection),
	}
}

func collectionName(sessionID string) string {
	return "session-" + sessionID
}

// Append logs the message in order and indexes its content for search.
func (s *VectorStore) Append(ctx context.Context, msg caravan.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[msg.SessionID] = append(s.logs[msg.SessionID], msg)
	ids, ok := s.byID[msg.SessionID]
	if !ok {
		ids = make(map[string]caravan.Message)
		s.byID[msg.SessionID] = ids
	}
	ids[msg.ID] = msg

	if msg.Content == "" {
		return nil
	}
	col, err := s.collection(msg.SessionID)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromemgo.Document{
		ID:      msg.ID,
		Content: msg.Content,
		Metadata: map[string]string{
			"role":       msg.Role,
			"agent_name": msg.Metadata[caravan.MetaAgentName],
		},
	})
	if err != nil {
		return fmt.Errorf("chromem: index message %s: %w", msg.ID, err)
	}
	return nil
}

// collection returns the session's collection, creating it lazily.
// Callers must hold s.mu.
func (s *VectorStore) collection(sessionID string) (*chromemgo.Collection, error) {
	if col, ok := s.collections[sessionID]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(collectionName(sessionID), nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	s.collections[sessionID] = col
	return col, nil
}

// Read returns all messages for a session in insertion order.
func (s *VectorStore) Read(_ context.Context, sessionID string) ([]caravan.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.logs[sessionID]), nil
}

// Clear removes the session's log and its vector collection.
func (s *VectorStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, sessionID)
	delete(s.byID, sessionID)
	if _, ok := s.collections[sessionID]; ok {
		delete(s.collections, sessionID)
		if err := s.db.DeleteCollection(collectionName(sessionID)); err != nil {
			return fmt.Errorf("chromem: delete collection: %w", err)
		}
	}
	return nil
}

// SemanticSearch returns up to topK messages from the session ranked by
// similarity to query. Sessions with nothing indexed return no results.
func (s *VectorStore) SemanticSearch(ctx context.Context, sessionID, query string, topK int) ([]caravan.Message, error) {
	s.mu.RLock()
	col, ok := s.collections[sessionID]
	ids := s.byID[sessionID]
	s.mu.RUnlock()
	if !ok || topK <= 0 {
		return nil, nil
	}

	// chromem rejects result counts above the collection size.
	if n := col.Count(); topK > n {
		if n == 0 {
			return nil, nil
		}
		topK = n
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	matches := make([]caravan.Message, 0, len(results))
	for _, r := range results {
		if msg, ok := ids[r.ID]; ok {
			matches = append(matches, msg)
		}
	}
	return matches, nil
}
