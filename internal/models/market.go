package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Market status values.
const (
	StatusOpen = "open"
)

// MarketCandidate is the generator's proposal for a market before schema
// validation and materialization.
type MarketCandidate struct {
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Category         string    `json:"category"`
	Tags             []string  `json:"tags"`
	EndTime          time.Time `json:"endTime"`
	ResolutionSource string    `json:"resolutionSource"`
	ArticleID        string    `json:"articleId"`
}

// Candidate validation errors.
var (
	ErrEmptyTitle    = errors.New("market title is empty")
	ErrMissingEnd    = errors.New("market endTime is missing")
	ErrEndNotFuture  = errors.New("market endTime is not after start time")
	ErrNoTags        = errors.New("market has no tags")
	ErrMissingSource = errors.New("market resolution source is empty")
)

// Validate checks the candidate against the market schema, with startTime
// being the time the market would open.
func (c *MarketCandidate) Validate(startTime time.Time) error {
	switch {
	case strings.TrimSpace(c.Title) == "":
		return ErrEmptyTitle
	case c.EndTime.IsZero():
		return ErrMissingEnd
	case !c.EndTime.After(startTime):
		return ErrEndNotFuture
	case len(c.Tags) == 0:
		return ErrNoTags
	case strings.TrimSpace(c.ResolutionSource) == "":
		return ErrMissingSource
	}
	return nil
}

// Market is a materialized binary prediction market as written to the
// output document.
type Market struct {
	ID                    string    `bson:"_id" json:"id"`
	Title                 string    `bson:"title" json:"title"`
	Description           string    `bson:"description" json:"description"`
	Category              string    `bson:"category" json:"category"`
	Tags                  []string  `bson:"tags" json:"tags"`
	Status                string    `bson:"status" json:"status"`
	CreatedAt             time.Time `bson:"created_at" json:"createdAt"`
	StartTime             time.Time `bson:"start_time" json:"startTime"`
	EndTime               time.Time `bson:"end_time" json:"endTime"`
	ResolutionTime        time.Time `bson:"resolution_time" json:"resolutionTime"`
	Result                *string   `bson:"result" json:"result"`
	YesCount              int64     `bson:"yes_count" json:"yesCount"`
	NoCount               int64     `bson:"no_count" json:"noCount"`
	TotalVolume           int64     `bson:"total_volume" json:"totalVolume"`
	CurrentYesProbability float64   `bson:"current_yes_probability" json:"currentYesProbability"`
	CurrentNoProbability  float64   `bson:"current_no_probability" json:"currentNoProbability"`
	CreatorID             string    `bson:"creator_id" json:"creatorId"`
	ResolutionSource      string    `bson:"resolution_source" json:"resolutionSource"`
}

// MarketDefaults holds the constants stamped onto every new market.
type MarketDefaults struct {
	CreatorID string
	YesCount  int64
	NoCount   int64
}

// DefaultMarketDefaults returns the stock initial liquidity and creator.
func DefaultMarketDefaults() MarketDefaults {
	return MarketDefaults{
		CreatorID: "kalshi-generator",
		YesCount:  50000,
		NoCount:   50000,
	}
}

// NewMarket materializes a validated candidate into a Market opening at now.
func NewMarket(c *MarketCandidate, d MarketDefaults, now time.Time) Market {
	now = now.UTC().Truncate(time.Second)
	end := c.EndTime.UTC().Truncate(time.Second)

	yesProb, noProb := 0.5, 0.5
	if total := d.YesCount + d.NoCount; total > 0 {
		yesProb = float64(d.YesCount) / float64(total)
		noProb = 1 - yesProb
	}

	tags := make([]string, len(c.Tags))
	copy(tags, c.Tags)

	return Market{
		ID:                    NewMarketID(),
		Title:                 strings.TrimSpace(c.Title),
		Description:           strings.TrimSpace(c.Description),
		Category:              c.Category,
		Tags:                  tags,
		Status:                StatusOpen,
		CreatedAt:             now,
		StartTime:             now,
		EndTime:               end,
		ResolutionTime:        end,
		Result:                nil,
		YesCount:              d.YesCount,
		NoCount:               d.NoCount,
		TotalVolume:           d.YesCount + d.NoCount,
		CurrentYesProbability: yesProb,
		CurrentNoProbability:  noProb,
		CreatorID:             d.CreatorID,
		ResolutionSource:      c.ResolutionSource,
	}
}

// NewMarketID returns a random market identifier carrying a full UUID.
func NewMarketID() string {
	return "market_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
