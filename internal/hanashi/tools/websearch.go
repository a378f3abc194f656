package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Hanashi/common/redact"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
)

const (
	// DefaultSearchEndpoint is the Tavily search API.
	DefaultSearchEndpoint = "https://api.tavily.com/search"

	maxSearchOutput   = 2000
	maxSnippetRunes   = 300
	defaultMaxResults = 3
)

// WebSearchConfig configures WebSearch.
type WebSearchConfig struct {
	Endpoint   string
	APIKey     string
	MaxResults int
	Timeout    time.Duration
}

// WebSearch queries a Tavily-style search API.
type WebSearch struct {
	cfg    WebSearchConfig
	client *http.Client
}

// NewWebSearch returns the web_search tool.
func NewWebSearch(cfg WebSearchConfig) *WebSearch {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultSearchEndpoint
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultMaxResults
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &WebSearch{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (w *WebSearch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "web_search",
			Description: "Search the web for current information. Use for news, facts that may have changed, weather and anything after your training data.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query.",
						"minLength":   1,
					},
					"max_results": map[string]any{
						"type":    "integer",
						"minimum": 1,
						"maximum": 10,
					},
				},
				"required":             []any{"query"},
				"additionalProperties": false,
			},
		},
	}
}

type searchRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (w *WebSearch) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	if w.cfg.APIKey == "" {
		return "", fmt.Errorf("search is not configured (missing API key)")
	}
	maxResults := w.cfg.MaxResults
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	body, err := json.Marshal(searchRequest{Query: query, MaxResults: maxResults, SearchDepth: "basic"})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request: %s", redact.String(err.Error(), w.cfg.APIKey))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search failed with status %d", resp.StatusCode)
	}

	var sr searchResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}
	return formatSearch(sr, maxResults), nil
}

func formatSearch(sr searchResponse, max int) string {
	if len(sr.Results) == 0 {
		return "No results found for your search."
	}
	var b strings.Builder
	b.WriteString("Search Results:")
	if sr.Answer != "" {
		fmt.Fprintf(&b, "\n\nSummary: %s", sr.Answer)
	}
	for i, r := range sr.Results {
		if i >= max {
			break
		}
		fmt.Fprintf(&b, "\n\n--- Result %d ---", i+1)
		if r.Title != "" {
			fmt.Fprintf(&b, "\nTitle: %s", r.Title)
		}
		if r.URL != "" {
			fmt.Fprintf(&b, "\nURL: %s", r.URL)
		}
		if r.Content != "" {
			fmt.Fprintf(&b, "\nContent: %s", redact.Truncate(r.Content, maxSnippetRunes))
		}
	}
	return redact.Truncate(b.String(), maxSearchOutput)
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
