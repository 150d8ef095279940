package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/caravan"
)

// Provider is a caravan.Provider over the OpenAI chat completions API.
//
// Compose it with caravan.WithRetry and caravan.WithRateLimit for
// production use; the adapter itself performs exactly one HTTP call per
// Chat and surfaces transport failures as *caravan.ProviderHTTPError so
// the decorators can classify them.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	name    string
	client  *http.Client
	logger  *slog.Logger
}

// NewProvider creates a provider for baseURL (e.g.
// "https://api.openai.com/v1", "https://api.groq.com/openai/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		name:    "openai",
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", set via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends one non-streaming completion request. ChatRequest.Tools is
// deliberately ignored: advertising native tools invites tool_call
// responses with empty content, which the textual action protocol
// cannot use.
func (p *Provider) Chat(ctx context.Context, req caravan.ChatRequest) (caravan.ChatResponse, error) {
	body := p.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return caravan.ChatResponse{}, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return caravan.ChatResponse{}, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return caravan.ChatResponse{}, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return caravan.ChatResponse{}, &caravan.ProviderHTTPError{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return caravan.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	p.logger.Debug("chat completion",
		"model", body.Model,
		"messages", len(body.Messages),
		"duration", time.Since(start))
	return parseResponse(out), nil
}

func (p *Provider) buildBody(req caravan.ChatRequest) chatRequest {
	model := req.Model.Model
	if model == "" {
		model = p.model
	}
	body := chatRequest{
		Model:     model,
		MaxTokens: req.Model.MaxTokens,
		Messages:  make([]chatMessage, len(req.Messages)),
	}
	if t := req.Model.Temperature; t != 0 {
		body.Temperature = &t
	}
	if tp := req.Model.TopP; tp != 0 {
		body.TopP = &tp
	}
	for i, m := range req.Messages {
		body.Messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return body
}

// parseResponse extracts content and usage from choices[0].
func parseResponse(resp chatResponse) caravan.ChatResponse {
	var out caravan.ChatResponse
	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		out.Content = resp.Choices[0].Message.Content
	}
	if resp.Usage != nil {
		out.Usage = caravan.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// parseRetryAfter reads a Retry-After header value: integer seconds or
// an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

var _ caravan.Provider = (*Provider)(nil)
