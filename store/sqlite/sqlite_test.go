package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nevindra/caravan"
)

func testStore(t *testing.T) *MessageStore {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestAppendAndReadOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Identical timestamps: ordering must come from insertion, not time.
	msgs := []caravan.Message{
		{ID: caravan.NewID(), SessionID: "s1", Role: caravan.RoleUser, Content: "Hello", CreatedAt: 1000},
		{ID: caravan.NewID(), SessionID: "s1", Role: caravan.RoleAssistant, Content: "Hi!", CreatedAt: 1000},
		{ID: caravan.NewID(), SessionID: "s1", Role: caravan.RoleUser, Content: "Bye", CreatedAt: 1000},
	}
	for _, m := range msgs {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	for i := range msgs {
		if got[i].Content != msgs[i].Content {
			t.Errorf("position %d: got %q, want %q", i, got[i].Content, msgs[i].Content)
		}
	}
	if got[1].Role != caravan.RoleAssistant || got[1].CreatedAt != 1000 {
		t.Errorf("fields not round-tripped: %+v", got[1])
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := caravan.Message{
		ID:        caravan.NewID(),
		SessionID: "s1",
		Role:      caravan.RoleUser,
		Content:   "tagged",
		Metadata:  map[string]string{caravan.MetaAgentName: "alpha"},
		CreatedAt: caravan.NowUnix(),
	}
	if err := s.Append(ctx, msg); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1, got %d", len(got))
	}
	if got[0].Metadata[caravan.MetaAgentName] != "alpha" {
		t.Errorf("metadata lost: %+v", got[0].Metadata)
	}
}

func TestSessionIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Append(ctx, caravan.Message{ID: caravan.NewID(), SessionID: "a", Role: caravan.RoleUser, Content: "for a", CreatedAt: 1})
	s.Append(ctx, caravan.Message{ID: caravan.NewID(), SessionID: "b", Role: caravan.RoleUser, Content: "for b", CreatedAt: 2})

	got, err := s.Read(ctx, "a")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("session a: got %+v", got)
	}

	empty, err := s.Read(ctx, "missing")
	if err != nil {
		t.Fatalf("Read empty session: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no messages, got %d", len(empty))
	}
}

func TestClearRemovesOnlySession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Append(ctx, caravan.Message{ID: caravan.NewID(), SessionID: "a", Role: caravan.RoleUser, Content: "one", CreatedAt: 1})
	s.Append(ctx, caravan.Message{ID: caravan.NewID(), SessionID: "a", Role: caravan.RoleUser, Content: "two", CreatedAt: 2})
	s.Append(ctx, caravan.Message{ID: caravan.NewID(), SessionID: "b", Role: caravan.RoleUser, Content: "keep", CreatedAt: 3})

	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	got, _ := s.Read(ctx, "a")
	if len(got) != 0 {
		t.Errorf("session a not cleared: %d messages", len(got))
	}
	kept, _ := s.Read(ctx, "b")
	if len(kept) != 1 {
		t.Errorf("session b lost messages: %d", len(kept))
	}

	// Clearing an already-empty session is not an error.
	if err := s.Clear(ctx, "a"); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}

func TestConcurrentAppends_NoBusyError(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := caravan.Message{
				ID:        caravan.NewID(),
				SessionID: "concurrent",
				Role:      caravan.RoleUser,
				Content:   fmt.Sprintf("message %d", i),
				CreatedAt: caravan.NowUnix(),
			}
			errs <- s.Append(ctx, msg)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent append failed: %v", err)
		}
	}

	msgs, err := s.Read(ctx, "concurrent")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Errorf("expected %d messages stored, got %d", n, len(msgs))
	}
}
