package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

const (
	TavilyAPIURL = "https://api.tavily.com"
)

// TavilyClient searches recent news via the Tavily API.
type TavilyClient struct {
	client *resty.Client
	apiKey string
}

// TavilySearchRequest represents a search request.
type TavilySearchRequest struct {
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth,omitempty"` // "basic" or "advanced"
	Topic       string `json:"topic,omitempty"`        // "general" or "news"
	Days        int    `json:"days,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

// TavilySearchResponse represents a search response.
type TavilySearchResponse struct {
	Query   string         `json:"query"`
	Results []TavilyResult `json:"results"`
}

// TavilyResult represents a single search result.
type TavilyResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	Published string  `json:"published_date,omitempty"`
}

// NewTavilyClient creates a new Tavily client.
func NewTavilyClient(apiKey string) *TavilyClient {
	return newTavilyClient(apiKey, TavilyAPIURL)
}

func newTavilyClient(apiKey, baseURL string) *TavilyClient {
	return &TavilyClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetRetryCount(2),
		apiKey: apiKey,
	}
}

// SearchArticles returns news articles matching query published within the
// window. Results without a parseable date are stamped with the search time.
func (c *TavilyClient) SearchArticles(ctx context.Context, query string, window time.Duration, maxResults int) ([]models.Article, error) {
	days := int(math.Ceil(window.Hours() / 24))
	if days < 1 {
		days = 1
	}

	resp, err := c.search(ctx, TavilySearchRequest{
		Query:       query,
		SearchDepth: "basic",
		Topic:       "news",
		Days:        days,
		MaxResults:  maxResults,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	articles := make([]models.Article, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.URL == "" || r.Title == "" {
			continue
		}
		published := now
		if t, err := parsePublished(r.Published); err == nil {
			published = t
		}
		articles = append(articles, models.Article{
			ID:          models.ArticleID(r.URL),
			Title:       CleanText(r.Title),
			Body:        CleanText(r.Content),
			URL:         r.URL,
			Source:      hostOf(r.URL),
			Feed:        "tavily:" + query,
			PublishedAt: published,
		})
	}
	return articles, nil
}

func (c *TavilyClient) search(ctx context.Context, req TavilySearchRequest) (*TavilySearchResponse, error) {
	body := map[string]interface{}{
		"api_key":      c.apiKey,
		"query":        req.Query,
		"search_depth": req.SearchDepth,
		"topic":        req.Topic,
		"days":         req.Days,
		"max_results":  req.MaxResults,
	}

	log.Debug().
		Str("query", req.Query).
		Int("days", req.Days).
		Int("max_results", req.MaxResults).
		Msg("Tavily search")

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/search")

	if err != nil {
		return nil, fmt.Errorf("tavily search failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("tavily API returned %d: %s", resp.StatusCode(), resp.String())
	}

	var result TavilySearchResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse tavily response: %w", err)
	}

	log.Debug().
		Int("results", len(result.Results)).
		Msg("Tavily search complete")

	return &result, nil
}

var publishedLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parsePublished(s string) (time.Time, error) {
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
