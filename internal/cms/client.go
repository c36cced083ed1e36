// Package cms publishes generated markets to a Strapi content API.
package cms

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

const marketsPath = "/api/prediction-markets"

// Client posts markets to the CMS.
type Client struct {
	client *resty.Client
}

// MarketPayload is the CMS content-type representation of a market.
type MarketPayload struct {
	Title                 string    `json:"title"`
	Description           string    `json:"description"`
	Category              string    `json:"category"`
	Tags                  []string  `json:"tags"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"createdAt"`
	EndTime               time.Time `json:"endTime"`
	ResolutionTime        time.Time `json:"resolutionTime"`
	YesCount              int64     `json:"yesCount"`
	NoCount               int64     `json:"noCount"`
	CurrentYesProbability float64   `json:"currentYesProbability"`
	CurrentNoProbability  float64   `json:"currentNoProbability"`
	ResolutionSource      string    `json:"resolutionSource"`
	ExternalID            string    `json:"externalId"`
}

type createRequest struct {
	Data MarketPayload `json:"data"`
}

// NewClient creates a CMS client authenticating with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json").
			SetTimeout(10 * time.Second).
			SetRetryCount(3).
			SetRetryWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= 500 || r.StatusCode() == 429
			}),
	}
}

// Name identifies the publisher in logs and summaries.
func (c *Client) Name() string { return "cms" }

// Health reports whether the CMS answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.client.R().SetContext(ctx).Get("/_health")
	if err != nil {
		return fmt.Errorf("cms health check: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cms health check returned %d", resp.StatusCode())
	}
	return nil
}

// Publish creates each market in the CMS and returns how many were
// accepted. A failed market is logged and does not stop the others.
func (c *Client) Publish(ctx context.Context, markets []models.Market) (int, error) {
	if len(markets) == 0 {
		return 0, nil
	}
	if err := c.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("CMS unhealthy, publishing anyway")
	}

	sent := 0
	var lastErr error
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := c.create(ctx, m); err != nil {
			lastErr = err
			log.Warn().Err(err).Str("market", m.ID).Str("title", m.Title).Msg("Failed to publish market")
			continue
		}
		sent++
	}

	log.Info().Int("sent", sent).Int("total", len(markets)).Msg("Published markets to CMS")

	if sent == 0 {
		return 0, fmt.Errorf("cms: no markets published: %w", lastErr)
	}
	return sent, nil
}

func (c *Client) create(ctx context.Context, m models.Market) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(createRequest{Data: ToPayload(m)}).
		Post(marketsPath)
	if err != nil {
		return fmt.Errorf("post market: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("cms returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	return nil
}

// ToPayload maps a market onto the CMS content type.
func ToPayload(m models.Market) MarketPayload {
	return MarketPayload{
		Title:                 m.Title,
		Description:           m.Description,
		Category:              m.Category,
		Tags:                  m.Tags,
		Status:                m.Status,
		CreatedAt:             m.CreatedAt,
		EndTime:               m.EndTime,
		ResolutionTime:        m.ResolutionTime,
		YesCount:              m.YesCount,
		NoCount:               m.NoCount,
		CurrentYesProbability: m.CurrentYesProbability,
		CurrentNoProbability:  m.CurrentNoProbability,
		ResolutionSource:      m.ResolutionSource,
		ExternalID:            m.ID,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
