package openaicompat

import (
	"log/slog"
	"net/http"
)

// Option configures a Provider.
type Option func(*Provider)

// WithName sets the name reported by Name() (default "openai"). Use it
// to tell providers apart in logs and events.
func WithName(name string) Option {
	return func(p *Provider) {
		if name != "" {
			p.name = name
		}
	}
}

// WithModel sets the fallback model id used when a request does not
// name one.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or
// proxies).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger. Defaults to discarding.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}
