// Package websearch exposes a DuckDuckGo-style instant-answer endpoint as a
// search capability.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Halwright/AgentFlow/internal/capability"
	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
)

const defaultMaxResults = 5

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client queries a DuckDuckGo-compatible instant answer API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a search client. baseURL is the API root, e.g.
// "https://api.duckduckgo.com".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// apiResponse mirrors the instant answer JSON shape. Topics nest one level
// deep when the engine groups results by category.
type apiResponse struct {
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	RelatedTopics []apiTopic `json:"RelatedTopics"`
}

type apiTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []apiTopic `json:"Topics"`
}

// Search runs a query and returns at most max results.
func (c *Client) Search(ctx context.Context, query string, max int) ([]Result, error) {
	if max <= 0 {
		max = defaultMaxResults
	}

	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", c.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search API error %d: %s", resp.StatusCode, string(data))
	}

	var parsed apiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal search response: %w", err)
	}

	results := make([]Result, 0, max)
	if parsed.AbstractText != "" {
		results = append(results, Result{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	results = appendTopics(results, parsed.RelatedTopics, max)
	if len(results) > max {
		results = results[:max]
	}
	return results, nil
}

func appendTopics(results []Result, topics []apiTopic, max int) []Result {
	for _, t := range topics {
		if len(results) >= max {
			break
		}
		if len(t.Topics) > 0 {
			results = appendTopics(results, t.Topics, max)
			continue
		}
		if t.FirstURL == "" {
			continue
		}
		results = append(results, Result{
			Title:   titleOf(t.Text),
			URL:     t.FirstURL,
			Snippet: t.Text,
		})
	}
	return results
}

// titleOf takes the leading sentence fragment of a topic text as its title.
func titleOf(text string) string {
	if idx := strings.Index(text, " - "); idx > 0 {
		return text[:idx]
	}
	return text
}

// Register binds the websearch capability onto the registry.
func Register(reg *capability.Registry, c *Client) error {
	handler := capability.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Query string `json:"query"`
			Max   int    `json:"max"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, fmt.Errorf("decode search input: %w", err)
		}
		if req.Query == "" {
			return nil, fmt.Errorf("search input missing query")
		}

		results, err := c.Search(ctx, req.Query, req.Max)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"results": results})
	})

	return reg.Register(domcap.Registration{
		Name:         "websearch",
		Version:      "1.0.0",
		Idempotent:   true,
		Timeout:      30 * time.Second,
		InputFields:  []string{"query", "max"},
		OutputFields: []string{"results"},
	}, handler)
}
