package caravan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func addToolDef() ToolDefinition {
	return ToolDefinition{
		Name:        "add",
		Description: "Add two numbers.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"a": {"type": "number"},
				"b": {"type": "number"}
			},
			"required": ["a", "b"]
		}`),
	}
}

func addToolFunc(_ context.Context, args json.RawMessage) (string, error) {
	var in struct{ A, B float64 }
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return fmt.Sprintf("%g", in.A+in.B), nil
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(addToolDef(), addToolFunc); err != nil {
		t.Fatalf("register: %v", err)
	}

	env := reg.Execute(context.Background(), ToolCall{
		ID:   NewID(),
		Name: "add",
		Args: json.RawMessage(`{"a": 2, "b": 3}`),
	}, time.Second)

	if !env.OK {
		t.Fatalf("expected ok envelope, got error kind %q: %s", env.ErrorKind, env.Content)
	}
	if env.Content != "5" {
		t.Errorf("got %q, want %q", env.Content, "5")
	}
	if env.ProviderKind != ProviderLocal {
		t.Errorf("got provider kind %q, want %q", env.ProviderKind, ProviderLocal)
	}
}

func TestRegistryRequiresSchema(t *testing.T) {
	reg := NewToolRegistry()
	err := reg.Register(ToolDefinition{Name: "bare"}, addToolFunc)
	if err == nil {
		t.Fatal("expected error registering tool without a schema")
	}
}

func TestRegistryRejectsUncompilableSchema(t *testing.T) {
	reg := NewToolRegistry()
	err := reg.Register(ToolDefinition{
		Name:       "broken",
		Parameters: json.RawMessage(`{"type": 42}`),
	}, addToolFunc)
	if err == nil {
		t.Fatal("expected error registering tool with invalid schema")
	}
}

func TestRegistryDuplicateOverwritesWithWarning(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	reg := NewToolRegistry(RegistryLogger(logger))

	reg.Register(addToolDef(), addToolFunc)
	err := reg.Register(addToolDef(), func(context.Context, json.RawMessage) (string, error) {
		return "replaced", nil
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if !strings.Contains(buf.String(), "tool overwritten") {
		t.Error("expected overwrite warning in log output")
	}
	if n := len(reg.List()); n != 1 {
		t.Errorf("got %d definitions, want 1", n)
	}

	env := reg.Execute(context.Background(), ToolCall{
		ID: NewID(), Name: "add", Args: json.RawMessage(`{"a": 1, "b": 1}`),
	}, time.Second)
	if env.Content != "replaced" {
		t.Errorf("got %q, want the overwriting callable's result", env.Content)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewToolRegistry()
	env := reg.Execute(context.Background(), ToolCall{ID: "c1", Name: "nope"}, time.Second)
	if env.OK {
		t.Fatal("expected failed envelope")
	}
	if env.ErrorKind != KindUnknownTool {
		t.Errorf("got kind %q, want %q", env.ErrorKind, KindUnknownTool)
	}
}

func TestRegistryExecuteBadArguments(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(addToolDef(), addToolFunc)

	env := reg.Execute(context.Background(), ToolCall{
		ID:   "c1",
		Name: "add",
		Args: json.RawMessage(`{"a": "two", "b": 3}`),
	}, time.Second)

	if env.OK {
		t.Fatal("expected failed envelope")
	}
	if env.ErrorKind != KindBadArguments {
		t.Errorf("got kind %q, want %q", env.ErrorKind, KindBadArguments)
	}
	if env.Content == "" {
		t.Error("expected a diagnostic message in content")
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	reg := NewToolRegistry()
	def := ToolDefinition{Name: "slow", Parameters: json.RawMessage(`{"type": "object"}`)}
	reg.Register(def, func(ctx context.Context, _ json.RawMessage) (string, error) {
		select {
		case <-time.After(5 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	start := time.Now()
	env := reg.Execute(context.Background(), ToolCall{ID: "c1", Name: "slow"}, 50*time.Millisecond)
	if time.Since(start) > time.Second {
		t.Error("execute did not honor the timeout")
	}
	if env.OK {
		t.Fatal("expected failed envelope")
	}
	if env.ErrorKind != KindTimeout {
		t.Errorf("got kind %q, want %q", env.ErrorKind, KindTimeout)
	}
}

func TestRegistryExecuteToolFailure(t *testing.T) {
	reg := NewToolRegistry()
	def := ToolDefinition{Name: "fail", Parameters: json.RawMessage(`{"type": "object"}`)}
	reg.Register(def, func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("disk on fire")
	})

	env := reg.Execute(context.Background(), ToolCall{ID: "c1", Name: "fail"}, time.Second)
	if env.OK {
		t.Fatal("expected failed envelope")
	}
	if env.ErrorKind != KindToolFailure {
		t.Errorf("got kind %q, want %q", env.ErrorKind, KindToolFailure)
	}
	if !strings.Contains(env.Content, "disk on fire") {
		t.Errorf("content %q missing failure message", env.Content)
	}
}

func TestRegistryExecuteRecoversPanic(t *testing.T) {
	reg := NewToolRegistry()
	def := ToolDefinition{Name: "boom", Parameters: json.RawMessage(`{"type": "object"}`)}
	reg.Register(def, func(context.Context, json.RawMessage) (string, error) {
		panic("unexpected state")
	})

	env := reg.Execute(context.Background(), ToolCall{ID: "c1", Name: "boom"}, time.Second)
	if env.OK {
		t.Fatal("expected failed envelope")
	}
	if env.ErrorKind != KindToolFailure {
		t.Errorf("got kind %q, want %q", env.ErrorKind, KindToolFailure)
	}
	if !strings.Contains(env.Content, "panic") {
		t.Errorf("content %q missing panic message", env.Content)
	}
}

func TestRegistryEmptyResultPreserved(t *testing.T) {
	reg := NewToolRegistry()
	def := ToolDefinition{Name: "silent", Parameters: json.RawMessage(`{"type": "object"}`)}
	reg.Register(def, func(context.Context, json.RawMessage) (string, error) {
		return "", nil
	})

	env := reg.Execute(context.Background(), ToolCall{ID: "c1", Name: "silent"}, time.Second)
	if !env.OK {
		t.Fatalf("expected ok envelope, got %q", env.ErrorKind)
	}
	if env.Content != "" {
		t.Errorf("got %q, want empty content", env.Content)
	}
}

func TestRegistryWorkerPoolBounds(t *testing.T) {
	reg := NewToolRegistry(RegistryWorkers(2))

	var mu sync.Mutex
	running, peak := 0, 0
	def := ToolDefinition{Name: "track", Parameters: json.RawMessage(`{"type": "object"}`)}
	reg.Register(def, func(context.Context, json.RawMessage) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return "ok", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Execute(context.Background(), ToolCall{ID: NewID(), Name: "track"}, 5*time.Second)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds pool size 2", peak)
	}
}

func TestRegistryConcurrentRegisterAndExecute(t *testing.T) {
	reg := NewToolRegistry()
	reg.Register(addToolDef(), addToolFunc)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def := ToolDefinition{
				Name:       fmt.Sprintf("tool%d", i),
				Parameters: json.RawMessage(`{"type": "object"}`),
			}
			reg.Register(def, func(context.Context, json.RawMessage) (string, error) {
				return "ok", nil
			})
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			env := reg.Execute(context.Background(), ToolCall{
				ID: NewID(), Name: "add", Args: json.RawMessage(`{"a": 1, "b": 2}`),
			}, time.Second)
			if !env.OK {
				t.Errorf("execute during registration failed: %s", env.Content)
			}
		}()
	}
	wg.Wait()

	if n := len(reg.List()); n != 5 {
		t.Errorf("got %d definitions, want 5", n)
	}
}

// multiTool exercises the Tool grouping interface.
type multiTool struct{}

func (multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "upper", Description: "Uppercase text.", Parameters: json.RawMessage(`{"type": "object", "properties": {"s": {"type": "string"}}, "required": ["s"]}`)},
		{Name: "lower", Description: "Lowercase text.", Parameters: json.RawMessage(`{"type": "object", "properties": {"s": {"type": "string"}}, "required": ["s"]}`)},
	}
}

func (multiTool) Call(_ context.Context, name string, args json.RawMessage) (string, error) {
	var in struct{ S string }
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	switch name {
	case "upper":
		return strings.ToUpper(in.S), nil
	case "lower":
		return strings.ToLower(in.S), nil
	}
	return "", fmt.Errorf("unknown function %q", name)
}

func TestRegistryAddTool(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.AddTool(multiTool{}); err != nil {
		t.Fatalf("add tool: %v", err)
	}
	if n := len(reg.List()); n != 2 {
		t.Fatalf("got %d definitions, want 2", n)
	}

	env := reg.Execute(context.Background(), ToolCall{
		ID: "c1", Name: "upper", Args: json.RawMessage(`{"s": "hi"}`),
	}, time.Second)
	if env.Content != "HI" {
		t.Errorf("got %q, want %q", env.Content, "HI")
	}
}
