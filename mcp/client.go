package mcp

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevindra/caravan"
)

// maxErrorBody caps how much of an HTTP error body is kept for messages.
const maxErrorBody = 4096

// Client consumes a remote MCP endpoint over HTTP. It implements
// caravan.ToolProvider: ListTools maps the remote catalog into caravan
// descriptors and CallTool returns the result text, reifying isError
// results as tool failures. The MCP handshake runs lazily before the
// first call.
type Client struct {
	endpoint string
	name     string
	client   *http.Client
	logger   *slog.Logger

	nextID atomic.Int64

	mu          sync.Mutex
	initialized bool
}

var _ caravan.ToolProvider = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// ClientName sets the provider name used by the facade to disambiguate
// colliding tool names (default "mcp"). Ignores empty strings.
func ClientName(name string) ClientOption {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

// ClientHTTP sets the HTTP client. Ignores nil.
func ClientHTTP(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.client = h
		}
	}
}

// ClientLogger sets the structured logger (default: no output). Ignores nil.
func ClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the MCP endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: strings.TrimRight(url, "/"),
		name:     "mcp",
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the provider.
func (c *Client) Name() string { return c.name }

// ListTools returns the remote tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]caravan.ToolDefinition, error) {
	if err := c.ensureInit(ctx); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode tool list: %w", err)
	}
	defs := make([]caravan.ToolDefinition, len(result.Tools))
	for i, t := range result.Tools {
		defs[i] = caravan.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
	}
	c.logger.Debug("mcp tools listed", "endpoint", c.endpoint, "count", len(defs))
	return defs, nil
}

// CallTool invokes a remote tool and returns its text content. A result
// flagged isError comes back as a tool-failure error so the caller can
// reify it; transport and RPC errors come back as-is.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if err := c.ensureInit(ctx); err != nil {
		return "", err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	start := time.Now()
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("mcp: decode tool result: %w", err)
	}
	c.logger.Debug("mcp tool called",
		"endpoint", c.endpoint,
		"name", name,
		"is_error", result.IsError,
		"duration", time.Since(start))
	if result.IsError {
		return "", &caravan.RunError{Kind: caravan.KindToolFailure, Message: result.Text()}
	}
	return result.Text(), nil
}

// ensureInit performs the initialize handshake once. Failures leave the
// client uninitialized so the next call retries.
func (c *Client) ensureInit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: c.name, Version: "1.0"},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp: decode initialize: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return err
	}

	c.logger.Debug("mcp session initialized",
		"endpoint", c.endpoint,
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion)
	c.initialized = true
	return nil
}

// call sends one JSON-RPC request and returns its raw result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: encode %s params: %w", method, err)
		}
		req.Params = data
	}

	body, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp clientResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("mcp: decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: %s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

// notify sends one JSON-RPC notification; no response body is expected.
func (c *Client) notify(ctx context.Context, method string) error {
	_, err := c.post(ctx, request{JSONRPC: "2.0", Method: method})
	return err
}

// post performs the HTTP exchange and returns the response body.
func (c *Client) post(ctx context.Context, req request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: %w", req.Method, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		return nil, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &caravan.ProviderHTTPError{
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("mcp: read %s response: %w", req.Method, err)
	}
	return body, nil
}
