// Package fetch provides a web-page tool: download a URL and extract its
// readable text, falling back to plain tag stripping when the readability
// heuristics find no article.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"

	"github.com/nevindra/caravan"
)

// maxContent caps the text handed back to the model.
const maxContent = 8000

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

var _ caravan.Tool = (*Tool)(nil)

// New creates a fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tool) Definitions() []caravan.ToolDefinition {
	return []caravan.ToolDefinition{{
		Name:        "fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Call(ctx context.Context, _ string, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return "", err
	}
	if len(content) > maxContent {
		cut := maxContent
		// Back up to a rune boundary so the cut never splits UTF-8.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + "\n... (truncated)"
	}
	return content, nil
}

// Fetch downloads a URL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; caravan/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	page := string(body)

	// Try readability extraction first.
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(page), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return stripHTML(page), nil
}

// stripHTML drops tags and script/style bodies, decodes entities, and
// collapses surplus blank lines.
func stripHTML(content string) string {
	var out strings.Builder
	out.Grow(len(content))

	var tag strings.Builder
	inTag := false
	inName := false
	skip := false // inside <script> or <style>
	for _, r := range content {
		if r == '<' {
			inTag, inName = true, true
			tag.Reset()
			continue
		}
		if inTag {
			if inName {
				if unicode.IsSpace(r) || r == '>' || (r == '/' && tag.Len() > 0) {
					inName = false
					name := strings.ToLower(tag.String())
					switch name {
					case "script":
						skip = true
					case "/script":
						skip = false
					case "style":
						skip = true
					case "/style":
						skip = false
					}
					if isBlockTag(name) {
						out.WriteByte('\n')
					}
				} else {
					tag.WriteRune(r)
				}
			}
			if r == '>' {
				inTag = false
			}
			continue
		}
		if skip {
			continue
		}
		out.WriteRune(r)
	}

	return collapseBlankLines(html.UnescapeString(out.String()))
}

func isBlockTag(tag string) bool {
	switch strings.TrimPrefix(tag, "/") {
	case "p", "div", "br", "hr", "h1", "h2", "h3", "h4", "h5", "h6",
		"li", "ul", "ol", "table", "tr", "blockquote", "pre",
		"section", "article", "header", "footer", "nav", "main":
		return true
	}
	return false
}

// collapseBlankLines trims each line and squeezes runs of blank lines down
// to a single separator.
func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}
