package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/gofiber/fiber/v2"
)

// SearchResult is one web hit.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

var ErrSearchNotConfigured = errors.New("web search is not configured")

// TavilyClient calls the Tavily search API.
type TavilyClient struct {
	apiKey  string
	baseURL string
	timeout time.Duration
}

func NewTavilyClient(apiKey, baseURL string, timeout time.Duration) *TavilyClient {
	if baseURL == "" {
		baseURL = "https://api.tavily.com"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &TavilyClient{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout}
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []SearchResult `json:"results"`
}

func (c *TavilyClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if c == nil || c.apiKey == "" {
		return nil, ErrSearchNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	agent := fiber.Post(c.baseURL+"/search").
		Set(fiber.HeaderAuthorization, "Bearer "+c.apiKey).
		Timeout(timeout).
		JSON(tavilyRequest{
			APIKey:      c.apiKey,
			Query:       query,
			MaxResults:  maxResults,
			SearchDepth: "basic",
		})

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("tavily request: %w", errors.Join(errs...))
	}
	if status != fiber.StatusOK {
		return nil, fmt.Errorf("tavily returned status %d", status)
	}

	var resp tavilyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}
	return resp.Results, nil
}

type WebSearchInput struct {
	Query string `json:"query"`
}

func createWebSearchTool(s WebSearcher, maxResults int) tool.InvokableTool {
	if maxResults <= 0 {
		maxResults = 5
	}
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolWebSearch,
			Desc: "Search the web for recent or general information not present in the database.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"query": {
					Type:     schema.String,
					Desc:     "Search query",
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *WebSearchInput) ([]Row, error) {
			if s == nil {
				return errorRows("%v", ErrSearchNotConfigured), nil
			}
			q := strings.TrimSpace(in.Query)
			if q == "" {
				return errorRows("query is required"), nil
			}
			results, err := s.Search(ctx, q, maxResults)
			if err != nil {
				return nil, err
			}
			rows := make([]Row, 0, len(results))
			for _, r := range results {
				rows = append(rows, Row{"title": r.Title, "url": r.URL, "content": r.Content})
			}
			return rows, nil
		},
	)
}

func createDateTimeTool(now func() time.Time) tool.InvokableTool {
	return newRowsTool(
		&schema.ToolInfo{
			Name: ToolCurrentDateTime,
			Desc: "Returns the current date and time.",
		},
		func(ctx context.Context, _ *noInput) ([]Row, error) {
			t := now()
			return []Row{{
				"current_date_time": t.Format("Monday, January 02, 2006, 03:04:05 PM MST"),
				"iso":               t.Format(time.RFC3339),
			}}, nil
		},
	)
}
