// Package config loads the caravan runtime configuration: defaults,
// layered under an optional TOML file, layered under CARAVAN_* env vars.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/caravan"
)

type Config struct {
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Limits    LimitsConfig    `toml:"limits"`
	Memory    MemoryConfig    `toml:"memory"`
	Events    EventsConfig    `toml:"events"`
	MCP       MCPConfig       `toml:"mcp"`
	Agents    []AgentConfig   `toml:"agents"`
	Observer  ObserverConfig  `toml:"observer"`
}

// LLMConfig selects the chat completion endpoint. Any OpenAI-compatible
// base URL works (OpenRouter, Groq, Ollama, vLLM).
type LLMConfig struct {
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	TopP        float64 `toml:"top_p"`
	MaxTokens   int     `toml:"max_tokens"`
}

type EmbeddingConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

// LimitsConfig mirrors caravan.Limits with TOML-friendly fields.
type LimitsConfig struct {
	MaxSteps               int `toml:"max_steps"`
	RequestLimit           int `toml:"request_limit"`
	TotalTokensLimit       int `toml:"total_tokens_limit"`
	ToolCallTimeoutSeconds int `toml:"tool_call_timeout_seconds"`
	MaxContextTokens       int `toml:"max_context_tokens"`
	ParseRetryBudget       int `toml:"parse_retry_budget"`
}

// MemoryConfig selects the session message backend.
type MemoryConfig struct {
	Backend     string `toml:"backend"` // memory, sqlite, postgres, redis, chromem
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	RedisAddr   string `toml:"redis_addr"`
}

// EventsConfig selects the event log backend.
type EventsConfig struct {
	Backend   string `toml:"backend"` // memory, redis
	RedisAddr string `toml:"redis_addr"`
}

// MCPConfig lists remote MCP endpoints for tool discovery.
type MCPConfig struct {
	Endpoints []string `toml:"endpoints"`
}

// AgentConfig declares one background agent to register at startup.
type AgentConfig struct {
	ID                string `toml:"id"`
	Query             string `toml:"query"`
	System            string `toml:"system"`
	IntervalSeconds   int    `toml:"interval_seconds"`
	MaxRetries        int    `toml:"max_retries"`
	RetryDelaySeconds int    `toml:"retry_delay_seconds"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	d := caravan.DefaultLimits()
	return Config{
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
		Limits: LimitsConfig{
			MaxSteps:               d.MaxSteps,
			RequestLimit:           d.RequestLimit,
			TotalTokensLimit:       d.TotalTokensLimit,
			ToolCallTimeoutSeconds: int(d.ToolCallTimeout / time.Second),
			MaxContextTokens:       d.MaxContextTokens,
			ParseRetryBudget:       d.ParseRetryBudget,
		},
		Memory: MemoryConfig{Backend: "memory", SQLitePath: "caravan.db", RedisAddr: "localhost:6379"},
		Events: EventsConfig{Backend: "memory", RedisAddr: "localhost:6379"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "caravan.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CARAVAN_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("CARAVAN_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CARAVAN_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CARAVAN_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CARAVAN_MEMORY_BACKEND"); v != "" {
		cfg.Memory.Backend = v
	}
	if v := os.Getenv("CARAVAN_EVENTS_BACKEND"); v != "" {
		cfg.Events.Backend = v
	}
	if v := os.Getenv("CARAVAN_REDIS_ADDR"); v != "" {
		cfg.Memory.RedisAddr = v
		cfg.Events.RedisAddr = v
	}
	if v := os.Getenv("CARAVAN_POSTGRES_DSN"); v != "" {
		cfg.Memory.PostgresDSN = v
	}
	if v := os.Getenv("CARAVAN_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}

	return cfg
}

// CaravanLimits converts the TOML fields into engine limits. Zero fields
// stay zero; the engine fills them with defaults.
func (c LimitsConfig) CaravanLimits() caravan.Limits {
	return caravan.Limits{
		MaxSteps:         c.MaxSteps,
		RequestLimit:     c.RequestLimit,
		TotalTokensLimit: c.TotalTokensLimit,
		ToolCallTimeout:  time.Duration(c.ToolCallTimeoutSeconds) * time.Second,
		MaxContextTokens: c.MaxContextTokens,
		ParseRetryBudget: c.ParseRetryBudget,
	}
}

// CaravanConfig converts one agent declaration into the manager's form.
func (a AgentConfig) CaravanConfig(model caravan.ModelConfig, limits caravan.Limits) caravan.AgentConfig {
	return caravan.AgentConfig{
		ID:                a.ID,
		Query:             a.Query,
		SystemInstruction: a.System,
		Model:             model,
		Limits:            limits,
		Interval:          time.Duration(a.IntervalSeconds) * time.Second,
		MaxRetries:        a.MaxRetries,
		RetryDelay:        time.Duration(a.RetryDelaySeconds) * time.Second,
	}
}
