package models

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestMarketCandidateValidate(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := func() MarketCandidate {
		return MarketCandidate{
			Title:            "Will the ECB cut rates before June 2026?",
			Description:      "Resolves YES if ...",
			Category:         "Economics",
			Tags:             []string{"Economy", "Finance"},
			EndTime:          start.Add(90 * 24 * time.Hour),
			ResolutionSource: "https://example.com/ecb",
		}
	}

	tests := []struct {
		name   string
		mutate func(c *MarketCandidate)
		want   error
	}{
		{"valid", func(c *MarketCandidate) {}, nil},
		{"empty title", func(c *MarketCandidate) { c.Title = "   " }, ErrEmptyTitle},
		{"missing end", func(c *MarketCandidate) { c.EndTime = time.Time{} }, ErrMissingEnd},
		{"end equals start", func(c *MarketCandidate) { c.EndTime = start }, ErrEndNotFuture},
		{"end in past", func(c *MarketCandidate) { c.EndTime = start.Add(-time.Hour) }, ErrEndNotFuture},
		{"no tags", func(c *MarketCandidate) { c.Tags = nil }, ErrNoTags},
		{"no source", func(c *MarketCandidate) { c.ResolutionSource = "" }, ErrMissingSource},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(start); !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewMarket(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 500, time.FixedZone("X", 3600))
	c := &MarketCandidate{
		Title:            "  Will Bitcoin close above $150k in 2026?  ",
		Description:      "desc",
		Category:         "Crypto",
		Tags:             []string{"Crypto", "Finance"},
		EndTime:          time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
		ResolutionSource: "https://example.com/btc",
	}

	m := NewMarket(c, DefaultMarketDefaults(), now)

	if !regexp.MustCompile(`^market_[0-9a-f]{32}$`).MatchString(m.ID) {
		t.Errorf("ID = %q, want market_<32 hex>", m.ID)
	}
	if m.Title != "Will Bitcoin close above $150k in 2026?" {
		t.Errorf("Title = %q", m.Title)
	}
	if m.Status != StatusOpen || m.Result != nil {
		t.Errorf("Status/Result = %q/%v", m.Status, m.Result)
	}
	if m.CreatedAt.Location() != time.UTC || !m.CreatedAt.Equal(now.Truncate(time.Second)) {
		t.Errorf("CreatedAt = %v", m.CreatedAt)
	}
	if m.ResolutionTime.Before(m.EndTime) {
		t.Errorf("ResolutionTime %v before EndTime %v", m.ResolutionTime, m.EndTime)
	}
	if m.TotalVolume != m.YesCount+m.NoCount || m.TotalVolume != 100000 {
		t.Errorf("TotalVolume = %d", m.TotalVolume)
	}
	if m.CurrentYesProbability+m.CurrentNoProbability != 1 {
		t.Errorf("probabilities do not sum to 1: %v + %v", m.CurrentYesProbability, m.CurrentNoProbability)
	}
	if m.CreatorID != "kalshi-generator" {
		t.Errorf("CreatorID = %q", m.CreatorID)
	}
	if diff := cmp.Diff(c.Tags, m.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}

	c.Tags[0] = "Mutated"
	if m.Tags[0] != "Crypto" {
		t.Error("market tags alias candidate tags")
	}
}

func TestRunStateClone(t *testing.T) {
	s := NewRunState("crypto", 3)
	s.Accepted = append(s.Accepted, Market{ID: "market_1", Tags: []string{"Crypto"}})
	s.MarkConsumed("a1")

	c := s.Clone()
	s.Accepted[0].Tags[0] = "Changed"
	s.MarkConsumed("a2")

	if c.Accepted[0].Tags[0] != "Crypto" {
		t.Error("clone shares tag slice")
	}
	if c.IsConsumed("a2") {
		t.Error("clone shares consumed set")
	}
	if c.Remaining() != 2 {
		t.Errorf("Remaining() = %d, want 2", c.Remaining())
	}
}

func TestArticleIDNormalizesURL(t *testing.T) {
	a := ArticleID("https://Example.com/news/story/")
	b := ArticleID("http://example.com/news/story#top")
	if a != b {
		t.Errorf("ArticleID differs: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("len(ArticleID) = %d, want 16", len(a))
	}
	if a == ArticleID("https://example.com/news/other") {
		t.Error("different URLs share an id")
	}
}

func TestCanonicalTag(t *testing.T) {
	if got, ok := CanonicalTag("  artificial intelligence "); !ok || got != "Artificial Intelligence" {
		t.Errorf("CanonicalTag = %q, %v", got, ok)
	}
	if _, ok := CanonicalTag("Gardening"); ok {
		t.Error("unknown tag accepted")
	}
	if Slugify("Tech & Science") != "tech-science" {
		t.Errorf("Slugify = %q", Slugify("Tech & Science"))
	}
}

func TestNewMarketIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := NewMarketID()
		if seen[id] {
			t.Fatalf("NewMarketID() repeated %q after %d ids", id, i)
		}
		seen[id] = true
	}
}
