// Package enrichment fills in the body of articles whose feed summary is too
// short to generate a market from.
package enrichment

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

const (
	// DefaultMinBody is the body length below which full text is fetched.
	DefaultMinBody = 500
	// DefaultMaxBody is the maximum body length handed to the generator.
	DefaultMaxBody = 8000
)

// Extractor fetches the main text of a web page.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, url string) (string, error)
}

// EnrichmentConfig holds configuration for the enricher.
type EnrichmentConfig struct {
	MinBody int
	MaxBody int
}

// Enricher tries each extractor in order until one yields more text than
// the feed provided.
type Enricher struct {
	extractors []Extractor
	config     EnrichmentConfig
}

// NewEnricher creates a new enricher.
func NewEnricher(config EnrichmentConfig, extractors ...Extractor) *Enricher {
	if config.MinBody <= 0 {
		config.MinBody = DefaultMinBody
	}
	if config.MaxBody <= 0 {
		config.MaxBody = DefaultMaxBody
	}
	return &Enricher{extractors: extractors, config: config}
}

// Enrich replaces a short article body with the extracted page text and
// truncates the body to the configured maximum. It reports whether full
// text was fetched. Extraction failures leave the article as it was.
func (e *Enricher) Enrich(ctx context.Context, a *models.Article) bool {
	a.Body = truncateString(collapse(a.Body), e.config.MaxBody)
	if len(a.Body) >= e.config.MinBody || a.URL == "" {
		return false
	}

	for _, ex := range e.extractors {
		if ctx.Err() != nil {
			return false
		}

		text, err := ex.Extract(ctx, a.URL)
		if err != nil {
			log.Debug().Err(err).Str("extractor", ex.Name()).Str("url", a.URL).Msg("Extraction failed")
			continue
		}

		text = collapse(text)
		if len(text) <= len(a.Body) {
			continue
		}

		log.Debug().
			Str("extractor", ex.Name()).
			Str("url", a.URL).
			Int("before", len(a.Body)).
			Int("after", len(text)).
			Msg("Enriched article")

		a.Body = truncateString(text, e.config.MaxBody)
		return true
	}

	log.Debug().Str("url", a.URL).Msg("Could not fetch full content, using summary")
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// back off to a rune boundary
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
