package caravan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestMemoryRouterAppendThenReadInOrder(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := router.StoreMessage(ctx, "s1", RoleUser, fmt.Sprintf("message %d", i), nil)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	msgs, err := router.GetMessages(ctx, "s1", "", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		want := fmt.Sprintf("message %d", i)
		if m.Content != want {
			t.Errorf("message %d: got %q, want %q", i, m.Content, want)
		}
	}
}

func TestMemoryRouterFiltersByAgentName(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	router.StoreMessage(ctx, "s1", RoleUser, "from alpha", map[string]string{MetaAgentName: "alpha"})
	router.StoreMessage(ctx, "s1", RoleUser, "from beta", map[string]string{MetaAgentName: "beta"})
	router.StoreMessage(ctx, "s1", RoleAssistant, "alpha reply", map[string]string{MetaAgentName: "alpha"})

	msgs, err := router.GetMessages(ctx, "s1", "alpha", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Metadata[MetaAgentName] != "alpha" {
			t.Errorf("unexpected message %q from %q", m.Content, m.Metadata[MetaAgentName])
		}
	}
}

func TestMemoryRouterSystemPassesAgentFilter(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	router.StoreMessage(ctx, "s1", RoleSystem, "shared instructions", nil)
	router.StoreMessage(ctx, "s1", RoleUser, "hello", map[string]string{MetaAgentName: "alpha"})

	msgs, _ := router.GetMessages(ctx, "s1", "alpha", 0)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Errorf("first message role = %q, want %q", msgs[0].Role, RoleSystem)
	}
}

func TestMemoryRouterTruncatesOldestFirst(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	// Each message is ~25 estimated tokens (100 bytes / 4 + overhead).
	body := strings.Repeat("x", 100)
	for i := 0; i < 10; i++ {
		router.StoreMessage(ctx, "s1", RoleUser, fmt.Sprintf("%02d %s", i, body), nil)
	}

	msgs, err := router.GetMessages(ctx, "s1", "", 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) == 0 || len(msgs) >= 10 {
		t.Fatalf("got %d messages, want a strict suffix", len(msgs))
	}
	// The survivors must be the newest, contiguous.
	last := msgs[len(msgs)-1]
	if !strings.HasPrefix(last.Content, "09") {
		t.Errorf("newest message missing: got %q", last.Content[:2])
	}
	for i := 1; i < len(msgs); i++ {
		var a, b int
		fmt.Sscanf(msgs[i-1].Content, "%02d", &a)
		fmt.Sscanf(msgs[i].Content, "%02d", &b)
		if b != a+1 {
			t.Errorf("non-contiguous suffix: %d then %d", a, b)
		}
	}
}

// wordEstimator charges one token per whitespace-separated word.
type wordEstimator struct{}

func (wordEstimator) Estimate(text string) int { return len(strings.Fields(text)) }

func TestMemoryRouterUsesConfiguredEstimator(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore(), MemoryEstimator(wordEstimator{}))
	ctx := context.Background()

	// One word each, so 5 estimated tokens per message with overhead.
	// The default byte heuristic would price these at 10 and keep only
	// the newest two under the same budget.
	for i := 0; i < 6; i++ {
		router.StoreMessage(ctx, "s1", RoleUser, fmt.Sprintf("%02d-xxxxxxxxxxxxxxxxxxxx", i), nil)
	}

	msgs, err := router.GetMessages(ctx, "s1", "", 25)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5 priced by the configured estimator", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Content, "01") {
		t.Errorf("oldest survivor = %q, want the 01 message", msgs[0].Content)
	}
}

func TestMemoryRouterNeverDropsLeadingSystem(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	router.StoreMessage(ctx, "s1", RoleSystem, "you are a helpful assistant", nil)
	body := strings.Repeat("y", 200)
	for i := 0; i < 10; i++ {
		router.StoreMessage(ctx, "s1", RoleUser, body, nil)
	}

	msgs, err := router.GetMessages(ctx, "s1", "", 120)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) == 0 {
		t.Fatal("got no messages")
	}
	if msgs[0].Role != RoleSystem {
		t.Errorf("first message role = %q, want %q", msgs[0].Role, RoleSystem)
	}
	if len(msgs) >= 11 {
		t.Errorf("got %d messages, expected truncation", len(msgs))
	}
}

func TestMemoryRouterTinyBudgetKeepsOnlySystem(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	router.StoreMessage(ctx, "s1", RoleSystem, "instructions", nil)
	router.StoreMessage(ctx, "s1", RoleUser, strings.Repeat("z", 400), nil)

	msgs, err := router.GetMessages(ctx, "s1", "", 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want just the system message", len(msgs))
	}
	if msgs[0].Role != RoleSystem {
		t.Fatalf("got role %q, want %q", msgs[0].Role, RoleSystem)
	}
}

func TestMemoryRouterClear(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	router.StoreMessage(ctx, "s1", RoleUser, "hello", nil)
	if err := router.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, _ := router.GetMessages(ctx, "s1", "", 0)
	if len(msgs) != 0 {
		t.Errorf("got %d messages after clear, want 0", len(msgs))
	}
}

func TestMemoryRouterConcurrentAppends(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				router.StoreMessage(ctx, "s1", RoleUser, fmt.Sprintf("g%d-%d", g, i), nil)
			}
		}(g)
	}
	wg.Wait()

	msgs, err := router.GetMessages(ctx, "s1", "", 1<<20)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(msgs) != 200 {
		t.Errorf("got %d messages, want 200", len(msgs))
	}
}

// failingBackend rejects every operation.
type failingBackend struct{}

func (failingBackend) Append(context.Context, Message) error { return errors.New("down") }
func (failingBackend) Read(context.Context, string) ([]Message, error) {
	return nil, errors.New("down")
}
func (failingBackend) Clear(context.Context, string) error { return errors.New("down") }

func TestMemoryRouterBackendErrorsAreClassified(t *testing.T) {
	router := NewMemoryRouter(failingBackend{})
	ctx := context.Background()

	if err := router.StoreMessage(ctx, "s1", RoleUser, "x", nil); KindOf(err) != KindBackendUnavailable {
		t.Errorf("store: got kind %q, want %q", KindOf(err), KindBackendUnavailable)
	}
	if _, err := router.GetMessages(ctx, "s1", "", 0); KindOf(err) != KindBackendUnavailable {
		t.Errorf("get: got kind %q, want %q", KindOf(err), KindBackendUnavailable)
	}
	if err := router.Clear(ctx, "s1"); KindOf(err) != KindBackendUnavailable {
		t.Errorf("clear: got kind %q, want %q", KindOf(err), KindBackendUnavailable)
	}
}

func TestMemoryRouterSemanticSearchUnsupported(t *testing.T) {
	router := NewMemoryRouter(NewInMemoryStore())
	got, err := router.SemanticSearch(context.Background(), "s1", "anything", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results from a backend without vector search", len(got))
	}
}
