package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the web search backend. The DuckDuckGo implementation
// below is the default; deployments can swap in another backend.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// DuckDuckGoSearcher queries the DuckDuckGo Instant Answer API. It
// needs no API key, which makes it the safe default backend.
type DuckDuckGoSearcher struct {
	httpClient *http.Client
	baseURL    string
}

// NewDuckDuckGoSearcher creates the default search backend.
func NewDuckDuckGoSearcher(httpClient *http.Client) *DuckDuckGoSearcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &DuckDuckGoSearcher{
		httpClient: httpClient,
		baseURL:    "https://api.duckduckgo.com",
	}
}

type ddgResponse struct {
	AbstractText  string     `json:"AbstractText"`
	AbstractURL   string     `json:"AbstractURL"`
	Heading       string     `json:"Heading"`
	RelatedTopics []ddgTopic `json:"RelatedTopics"`
}

type ddgTopic struct {
	Text     string     `json:"Text"`
	FirstURL string     `json:"FirstURL"`
	Topics   []ddgTopic `json:"Topics"`
}

// Search issues an instant-answer query.
func (s *DuckDuckGoSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", s.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var parsed ddgResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	var results []SearchResult
	if parsed.AbstractText != "" {
		results = append(results, SearchResult{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	results = appendTopics(results, parsed.RelatedTopics, limit)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func appendTopics(results []SearchResult, topics []ddgTopic, limit int) []SearchResult {
	for _, topic := range topics {
		if len(results) >= limit {
			break
		}
		if len(topic.Topics) > 0 {
			results = appendTopics(results, topic.Topics, limit)
			continue
		}
		if topic.Text == "" {
			continue
		}
		results = append(results, SearchResult{
			Title:   firstSentence(topic.Text),
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return results
}

func firstSentence(text string) string {
	if idx := strings.Index(text, " - "); idx > 0 {
		return text[:idx]
	}
	return text
}

// WebSearchTool searches the web through the configured backend.
type WebSearchTool struct {
	name        string
	description string
	searcher    Searcher
}

// NewWebSearchTool builds the web search tool.
func NewWebSearchTool(name, description string, searcher Searcher) (*WebSearchTool, error) {
	if searcher == nil {
		return nil, errors.New("search backend is not configured")
	}
	if description == "" {
		description = "Search the web for current information."
	}
	return &WebSearchTool{name: name, description: description, searcher: searcher}, nil
}

func (t *WebSearchTool) Name() string        { return t.name }
func (t *WebSearchTool) Description() string { return t.description }

func (t *WebSearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			},
			"result_count": {
				"type": "integer",
				"minimum": 1,
				"maximum": 20,
				"description": "Number of results to return (default: 5)"
			}
		},
		"required": ["query"]
	}`)
}

// Execute runs the search and formats the hits.
func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var input struct {
		Query       string `json:"query"`
		ResultCount int    `json:"result_count"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(t.name, CodeInvalidInput, "parse input: %v", err), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return errorResult(t.name, CodeInvalidInput, "query is required"), nil
	}
	limit := input.ResultCount
	if limit <= 0 || limit > 20 {
		limit = 5
	}

	results, err := t.searcher.Search(ctx, input.Query, limit)
	if err != nil {
		return errorResult(t.name, CodeNetworkError, "search failed: %v", err), nil
	}
	if len(results) == 0 {
		return &ToolResult{Content: "No results found."}, nil
	}

	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		if r.URL != "" {
			fmt.Fprintf(&sb, "   %s\n", r.URL)
		}
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
	}
	return &ToolResult{Content: strings.TrimRight(sb.String(), "\n")}, nil
}
