package caravan

import (
	"encoding/json"
	"time"
)

// --- Session memory types ---

// Message roles. Stored messages and LLM protocol messages share the
// same role vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Conventional metadata keys carried on stored messages.
const (
	MetaAgentName  = "agent_name"
	MetaToolCallID = "tool_call_id"
	MetaErrorKind  = "error_kind" // set on tool messages when the call failed
)

// Message is one entry in a session's ordered log.
// Within a session messages are totally ordered by insertion;
// equal CreatedAt values break ties by ID (IDs are time-sortable).
type Message struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"` // "system", "user", "assistant", "tool"
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"` // unix seconds
}

// --- Tool types ---

// ProviderKind tells which catalog served a tool call.
type ProviderKind string

const (
	ProviderLocal  ProviderKind = "local"
	ProviderRemote ProviderKind = "remote"
	// ProviderNone marks envelopes for calls no catalog could serve.
	ProviderNone ProviderKind = "none"
)

// ToolDefinition describes a callable tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ToolCall is one parsed action from the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Envelope is the normalized result of a tool dispatch, regardless of
// which provider family served it. Always serializable.
type Envelope struct {
	CallID       string       `json:"call_id"`
	OK           bool         `json:"ok"`
	Content      string       `json:"content"`
	ErrorKind    ErrorKind    `json:"error_kind,omitempty"`
	DurationMS   int64        `json:"duration_ms"`
	ProviderKind ProviderKind `json:"provider_kind"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ModelConfig selects the model and sampling parameters for LLM calls.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"` // per-call output cap
}

type ChatRequest struct {
	Model    ModelConfig   `json:"model"`
	Messages []ChatMessage `json:"messages"`
	// Tools advertises the available tools to providers with native
	// function calling. Providers without it simply ignore the field;
	// the engine parses the textual action grammar either way.
	Tools []ToolDefinition `json:"tools,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// --- Episode types ---

// Limits bounds one reasoning episode.
type Limits struct {
	MaxSteps         int
	RequestLimit     int
	TotalTokensLimit int
	ToolCallTimeout  time.Duration
	MaxContextTokens int
	ParseRetryBudget int
}

// DefaultLimits returns the limits applied when an option leaves a
// field at zero.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:         10,
		RequestLimit:     30,
		TotalTokensLimit: 120000,
		ToolCallTimeout:  30 * time.Second,
		MaxContextTokens: 16000,
		ParseRetryBudget: 2,
	}
}

// RunStatus is the terminal state of an episode.
type RunStatus string

const (
	StatusSuccess   RunStatus = "success"
	StatusLimit     RunStatus = "limit"
	StatusError     RunStatus = "error"
	StatusCancelled RunStatus = "cancelled"
)

// Task is the input to one reasoning episode.
type Task struct {
	SessionID string
	AgentName string
	Query     string
	System    string // system instruction; prepended to the tool scaffold
}

// Result is the outcome of one reasoning episode. On terminal failures
// the engine returns both a non-nil error and a Result carrying the
// state accumulated so far.
type Result struct {
	Status   RunStatus
	Output   string
	Usage    Usage
	Steps    int
	Requests int
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}
