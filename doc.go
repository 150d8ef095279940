// Package caravan is an LLM agent runtime core: reasoning episodes over
// per-session memory, typed event streams, schema-validated tool dispatch,
// and scheduled background agents.
//
// It provides modular, interface-driven building blocks: LLM providers,
// session memory backends, an event router, a local tool registry, a
// remote-tool facade, a ReAct reasoning engine, and a thread-safe manager
// for recurring background agents.
//
// # Quick Start
//
// Wire an engine from a provider and ask it something:
//
//	llm := openaicompat.NewProvider(apiKey, "https://api.openai.com/v1")
//
//	registry := caravan.NewToolRegistry()
//	registry.AddTool(calc.New())
//
//	engine := caravan.NewEngine(llm,
//		caravan.EngineModel(caravan.ModelConfig{Model: "gpt-4o-mini"}),
//		caravan.EngineTools(caravan.NewToolResolver(registry, nil)),
//	)
//
//	result, err := engine.Ask(ctx, "session-1", "What is 17 * 23?")
//
// Background agents run the same episodes on a fixed interval:
//
//	mgr := caravan.NewManager(llm, caravan.ManagerTools(tools))
//	id, _ := mgr.CreateAgent(caravan.AgentConfig{
//		Query:    "Summarize unread alerts.",
//		Interval: 5 * time.Minute,
//	})
//	mgr.Start()
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (one Chat call per reasoning step)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [MemoryBackend] — ordered per-session message log
//   - [SemanticSearcher] — optional vector search over a session's log
//   - [EventBackend] — append-only per-session event log with streaming
//   - [Tool] — pluggable capability offered to the model
//   - [ToolProvider] — remote tool source discovered by the facade
//   - [ToolDispatcher] — anything that can execute a ToolCall (registry, facade, resolver)
//
// # Included Implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible endpoint), with
// WithRetry and WithRateLimit decorators in the root package.
// Memory: in-process (root), store/sqlite, store/postgres, store/redis,
// store/chromem (vector search).
// Events: in-process (root), store/redis.
// Tools: tools/calc, tools/fetch, tools/recall, plus any MCP server via mcp.Client.
// Observability: observer (OTLP traces, metrics, logs).
//
// See cmd/caravan for a complete wired runtime.
package caravan
