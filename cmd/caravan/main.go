// Command caravan is the demo runtime: it wires an OpenAI-compatible
// provider, a memory backend, builtin and MCP tools, and the configured
// background agents, then streams session events to stdout until SIGINT.
//
// Usage:
//
//	caravan                  run configured background agents
//	caravan "some question"  additionally run one foreground episode
//
// Configuration comes from caravan.toml (override with CARAVAN_CONFIG)
// plus CARAVAN_* environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nevindra/caravan"
	"github.com/nevindra/caravan/internal/config"
	"github.com/nevindra/caravan/mcp"
	"github.com/nevindra/caravan/observer"
	"github.com/nevindra/caravan/provider/openaicompat"
	"github.com/nevindra/caravan/store/chromem"
	"github.com/nevindra/caravan/store/postgres"
	storeredis "github.com/nevindra/caravan/store/redis"
	"github.com/nevindra/caravan/store/sqlite"
	"github.com/nevindra/caravan/tools/calc"
	"github.com/nevindra/caravan/tools/fetch"
	"github.com/nevindra/caravan/tools/recall"
)

const demoSession = "demo"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg := config.Load(os.Getenv("CARAVAN_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		defer shutdown(context.Background())
	}

	// 3. Provider with retry and rate limiting
	var llm caravan.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL,
		openaicompat.WithModel(cfg.LLM.Model),
		openaicompat.WithLogger(logger))
	llm = caravan.WithRetry(llm, caravan.RetryLogger(logger))
	llm = caravan.WithRateLimit(llm, caravan.RPM(60))
	if inst != nil {
		llm = observer.WrapProvider(llm, inst)
	}

	// 4. Memory backend + router
	backend, closeBackend, err := openMemoryBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	memory := caravan.NewMemoryRouter(backend,
		caravan.MemoryBudget(cfg.Limits.MaxContextTokens),
		caravan.MemoryEstimator(caravan.NewTokenEstimator(cfg.LLM.Model)),
		caravan.MemoryLogger(logger))

	// 5. Event backend + router
	eventLog, closeEvents, err := openEventBackend(cfg)
	if err != nil {
		return err
	}
	defer closeEvents()
	events := caravan.NewEventRouter(eventLog, caravan.EventRouterLogger(logger))

	// 6. Tools: builtin registry + MCP clients behind one resolver
	registry := caravan.NewToolRegistry(caravan.RegistryLogger(logger))
	if err := registry.AddTool(calc.New()); err != nil {
		return err
	}
	if err := registry.AddTool(fetch.New()); err != nil {
		return err
	}
	if err := registry.AddTool(recall.New(memory, demoSession)); err != nil {
		return err
	}

	var facade *caravan.RemoteToolFacade
	if len(cfg.MCP.Endpoints) > 0 {
		providers := make([]caravan.ToolProvider, 0, len(cfg.MCP.Endpoints))
		for _, endpoint := range cfg.MCP.Endpoints {
			providers = append(providers, mcp.NewClient(endpoint))
		}
		facade = caravan.NewRemoteToolFacade(providers, caravan.FacadeLogger(logger))
		if err := facade.Discover(ctx); err != nil {
			logger.Warn("mcp discovery failed", "error", err)
		}
	}
	var tools caravan.ToolDispatcher = caravan.NewToolResolver(registry, facade)
	if inst != nil {
		tools = observer.WrapTools(tools, inst)
	}

	// 7. Manager + configured background agents
	model := caravan.ModelConfig{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	limits := cfg.Limits.CaravanLimits()

	mgrOpts := []caravan.ManagerOption{
		caravan.ManagerTools(tools),
		caravan.ManagerMemory(memory),
		caravan.ManagerEvents(events),
		caravan.ManagerLogger(logger),
	}
	if inst != nil {
		mgrOpts = append(mgrOpts, caravan.ManagerTracer(observer.NewTracer()))
	}
	mgr := caravan.NewManager(llm, mgrOpts...)
	defer mgr.Shutdown()

	sessions := []string{demoSession}
	for _, a := range cfg.Agents {
		id, err := mgr.CreateAgent(a.CaravanConfig(model, limits))
		if err != nil {
			return fmt.Errorf("create agent %q: %w", a.ID, err)
		}
		sessions = append(sessions, caravan.BackgroundSession(id))
		logger.Info("agent registered", "id", id, "interval_seconds", a.IntervalSeconds)
	}
	mgr.Start()

	// 8. Stream events for every interesting session
	var rec *observer.EventRecorder
	if inst != nil {
		rec = observer.NewEventRecorder(inst)
	}
	for _, session := range sessions {
		go watchSession(ctx, events, rec, session, logger)
	}

	// 9. Optional foreground episode, then wait for SIGINT
	if query := strings.Join(os.Args[1:], " "); strings.TrimSpace(query) != "" {
		engine := caravan.NewEngine(llm,
			caravan.EngineModel(model),
			caravan.EngineLimits(limits),
			caravan.EngineTools(tools),
			caravan.EngineMemory(memory),
			caravan.EngineEvents(events),
			caravan.EngineLogger(logger))

		var runner observer.EpisodeRunner = engine
		if inst != nil {
			runner = observer.WrapRunner(engine, inst)
		}
		result, err := runner.Run(ctx, caravan.Task{SessionID: demoSession, Query: query})
		if err != nil {
			logger.Error("episode failed", "error", err)
		} else {
			fmt.Printf("\n%s\n(status=%s steps=%d tokens=%d)\n\n",
				result.Output, result.Status, result.Steps,
				result.Usage.InputTokens+result.Usage.OutputTokens)
		}
		if len(cfg.Agents) == 0 {
			return nil
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// openMemoryBackend builds the configured caravan.MemoryBackend and a
// close function for whatever connection it holds.
func openMemoryBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (caravan.MemoryBackend, func(), error) {
	noop := func() {}
	switch cfg.Memory.Backend {
	case "", "memory":
		return caravan.NewInMemoryStore(), noop, nil

	case "sqlite":
		store := sqlite.New(cfg.Memory.SQLitePath)
		if err := store.Init(ctx); err != nil {
			return nil, noop, fmt.Errorf("sqlite init: %w", err)
		}
		return store, func() { store.Close() }, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Memory.PostgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("postgres connect: %w", err)
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("postgres init: %w", err)
		}
		return store, pool.Close, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Memory.RedisAddr})
		return storeredis.NewMessageStore(client), func() { client.Close() }, nil

	case "chromem":
		embedder := openaicompat.NewEmbeddings(cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
			cfg.Embedding.Model, cfg.Embedding.Dimensions)
		var emb caravan.EmbeddingProvider = caravan.WithEmbeddingRetry(embedder, caravan.RetryLogger(logger))
		return chromem.New(emb), noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown memory backend %q", cfg.Memory.Backend)
	}
}

// openEventBackend builds the configured caravan.EventBackend.
func openEventBackend(cfg config.Config) (caravan.EventBackend, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case "", "memory":
		return caravan.NewMemoryEventLog(), noop, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Events.RedisAddr})
		return storeredis.NewEventLog(client), func() { client.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
}

// watchSession prints the session's event stream and feeds the metrics
// recorder when observability is on.
func watchSession(ctx context.Context, events *caravan.EventRouter, rec *observer.EventRecorder, session string, logger *slog.Logger) {
	stream, cancel, err := events.Stream(ctx, session)
	if err != nil {
		logger.Error("stream failed", "session_id", session, "error", err)
		return
	}
	defer cancel()

	for ev := range stream {
		if rec != nil {
			rec.Record(ctx, ev)
		}
		printEvent(ev)
	}
}

// printEvent writes a one-line summary of ev to stdout.
func printEvent(ev caravan.Event) {
	fmt.Printf("%-24s %-26s %s\n", ev.SessionID, ev.Type, eventSummary(ev))
}

func eventSummary(ev caravan.Event) string {
	switch ev.Type {
	case caravan.EventUserMessage:
		p, err := caravan.EventPayload[caravan.UserMessagePayload](ev)
		if err == nil {
			return clip(p.Content, 80)
		}
	case caravan.EventToolCall:
		p, err := caravan.EventPayload[caravan.ToolCallPayload](ev)
		if err == nil {
			return p.Name + " " + clip(string(p.Args), 60)
		}
	case caravan.EventToolResult:
		p, err := caravan.EventPayload[caravan.ToolResultPayload](ev)
		if err == nil {
			if p.OK {
				return fmt.Sprintf("%s ok (%dms)", p.Name, p.DurationMS)
			}
			return fmt.Sprintf("%s %s (%dms)", p.Name, p.ErrorKind, p.DurationMS)
		}
	case caravan.EventObservation:
		p, err := caravan.EventPayload[caravan.ObservationPayload](ev)
		if err == nil {
			return clip(p.Content, 80)
		}
	case caravan.EventFinalAnswer:
		p, err := caravan.EventPayload[caravan.FinalAnswerPayload](ev)
		if err == nil {
			return fmt.Sprintf("%s (steps=%d tokens=%d)", clip(p.Content, 60), p.Steps, p.TokensUsed)
		}
	case caravan.EventTaskError:
		p, err := caravan.EventPayload[caravan.TaskErrorPayload](ev)
		if err == nil {
			return fmt.Sprintf("attempt %d: %s", p.Attempt, p.Message)
		}
	case caravan.EventDropped:
		p, err := caravan.EventPayload[caravan.DroppedPayload](ev)
		if err == nil {
			return fmt.Sprintf("%d events lost", p.Count)
		}
	}
	if len(ev.Payload) > 0 {
		return clip(string(ev.Payload), 80)
	}
	return ""
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
