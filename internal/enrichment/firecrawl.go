package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	FirecrawlAPIURL = "https://api.firecrawl.dev/v1"
)

// FirecrawlClient scrapes pages into markdown via the Firecrawl API. It is
// used for sites that readability cannot parse.
type FirecrawlClient struct {
	client *resty.Client
	apiKey string
}

// FirecrawlScrapeResponse represents a scrape response.
type FirecrawlScrapeResponse struct {
	Success bool                 `json:"success"`
	Data    *FirecrawlScrapeData `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// FirecrawlScrapeData represents scraped page data.
type FirecrawlScrapeData struct {
	Markdown string                `json:"markdown,omitempty"`
	Metadata FirecrawlPageMetadata `json:"metadata,omitempty"`
}

// FirecrawlPageMetadata represents page metadata.
type FirecrawlPageMetadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	SourceURL   string `json:"sourceURL,omitempty"`
}

// NewFirecrawlClient creates a new Firecrawl client.
func NewFirecrawlClient(apiKey string) *FirecrawlClient {
	return newFirecrawlClient(apiKey, FirecrawlAPIURL)
}

func newFirecrawlClient(apiKey, baseURL string) *FirecrawlClient {
	return &FirecrawlClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(60 * time.Second).
			SetRetryCount(2),
		apiKey: apiKey,
	}
}

// Name implements Extractor.
func (c *FirecrawlClient) Name() string { return "firecrawl" }

// Extract implements Extractor.
func (c *FirecrawlClient) Extract(ctx context.Context, url string) (string, error) {
	data, err := c.Scrape(ctx, url)
	if err != nil {
		return "", err
	}
	return data.Markdown, nil
}

// Scrape extracts the main content of a URL as markdown.
func (c *FirecrawlClient) Scrape(ctx context.Context, url string) (*FirecrawlScrapeData, error) {
	body := map[string]interface{}{
		"url":             url,
		"formats":         []string{"markdown"},
		"onlyMainContent": true,
	}

	log.Debug().
		Str("url", url).
		Msg("Firecrawl scrape")

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", fmt.Sprintf("Bearer %s", c.apiKey)).
		SetBody(body).
		Post("/scrape")

	if err != nil {
		return nil, fmt.Errorf("firecrawl scrape failed: %w", err)
	}

	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("firecrawl API returned %d: %s", resp.StatusCode(), resp.String())
	}

	var result FirecrawlScrapeResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse firecrawl response: %w", err)
	}

	if !result.Success || result.Data == nil {
		return nil, fmt.Errorf("firecrawl scrape failed: %s", result.Error)
	}

	log.Debug().
		Str("title", result.Data.Metadata.Title).
		Int("markdown_len", len(result.Data.Markdown)).
		Msg("Firecrawl scrape complete")

	return result.Data, nil
}
