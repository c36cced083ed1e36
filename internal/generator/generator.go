// Package generator turns a news article into a prediction market candidate
// using an LLM.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/leeaandrob/marketforge/internal/models"
	"github.com/leeaandrob/marketforge/internal/qwen"
)

// maxTags is the number of tags kept per market.
const maxTags = 3

// LLM is the completion capability the generator depends on.
type LLM interface {
	Chat(ctx context.Context, req qwen.ChatRequest) (*qwen.ChatResponse, error)
}

// Config holds generator settings.
type Config struct {
	// MaxInFlight bounds concurrent LLM calls across all categories.
	MaxInFlight int
	Temperature float32
	MaxTokens   int
	Retry       RetryPolicy
	// IsRateLimited classifies call errors that deserve the longer wait.
	IsRateLimited func(error) bool
	Now           func() time.Time
}

// Generator creates market candidates from articles.
type Generator struct {
	llm    LLM
	sem    *semaphore.Weighted
	config Config
}

// NewGenerator creates a new market generator.
func NewGenerator(llm LLM, config Config) *Generator {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 4
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 1
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.Temperature == 0 {
		config.Temperature = 0.2
	}
	if config.IsRateLimited == nil {
		config.IsRateLimited = qwen.IsRateLimited
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Generator{
		llm:    llm,
		sem:    semaphore.NewWeighted(int64(config.MaxInFlight)),
		config: config,
	}
}

// Generate asks the LLM for a market based on the article. Failed calls are
// retried per the retry policy; malformed or low-confidence answers are not.
// The returned error is a *GenerationError, or ctx.Err() on cancellation.
func (g *Generator) Generate(ctx context.Context, article models.Article, cat models.Category) (*models.MarketCandidate, error) {
	req := qwen.ChatRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildPrompt(article, cat, g.config.Now()),
		Temperature:  g.config.Temperature,
		MaxTokens:    g.config.MaxTokens,
		JSONMode:     true,
	}

	policy := g.config.Retry
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		resp, err := g.call(ctx, req)
		if err == nil {
			return parseCandidate(resp.Content, article, cat)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}

		wait := policy.Backoff(attempt, g.config.IsRateLimited(err))
		log.Warn().
			Err(err).
			Str("article", article.ID).
			Int("attempt", attempt).
			Int("max_attempts", policy.MaxAttempts).
			Dur("backoff", wait).
			Msg("LLM call failed, retrying")

		if err := policy.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, &GenerationError{Kind: CallFailed, Attempts: policy.MaxAttempts, Err: lastErr}
}

func (g *Generator) call(ctx context.Context, req qwen.ChatRequest) (*qwen.ChatResponse, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.llm.Chat(ctx, req)
}

// marketResponse is the JSON shape requested from the model. Pointer fields
// distinguish an absent key from an empty value.
type marketResponse struct {
	Title       *string  `json:"title"`
	Description string   `json:"description"`
	EndTime     *string  `json:"endTime"`
	Tags        []string `json:"tags"`
	Decline     bool     `json:"decline"`
	Reason      string   `json:"reason"`
}

func parseCandidate(content string, article models.Article, cat models.Category) (*models.MarketCandidate, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, malformed("no JSON object in response")
	}

	var resp marketResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, malformed("decode response: %v", err)
	}

	if resp.Decline {
		reason := resp.Reason
		if reason == "" {
			reason = "model declined"
		}
		return nil, lowConfidence("%s", reason)
	}
	if resp.Title == nil || resp.EndTime == nil {
		return nil, malformed("response lacks title or endTime")
	}

	title := strings.TrimSpace(*resp.Title)
	if title != "" && !strings.HasSuffix(title, "?") {
		return nil, lowConfidence("title is not a question: %q", title)
	}

	end, err := parseEndTime(*resp.EndTime)
	if err != nil {
		return nil, malformed("%v", err)
	}

	return &models.MarketCandidate{
		Title:            title,
		Description:      strings.TrimSpace(resp.Description),
		Category:         cat.Name,
		Tags:             normalizeTags(resp.Tags),
		EndTime:          end,
		ResolutionSource: article.URL,
		ArticleID:        article.ID,
	}, nil
}

// extractJSON strips markdown code fences and any prose around the outermost
// JSON object.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

var endTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseEndTime accepts RFC 3339 and a few looser forms. An empty value is
// returned as the zero time and left to schema validation.
func parseEndTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range endTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if layout == "2006-01-02" {
				// date-only resolves at the end of that day
				t = t.Add(24*time.Hour - time.Second)
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable endTime %q", s)
}

// normalizeTags maps tags onto the known vocabulary, dropping unknown ones
// and duplicates while keeping the model's order.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, maxTags)
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		canon, ok := models.CanonicalTag(t)
		if !ok {
			log.Debug().Str("tag", t).Msg("Dropping unknown tag")
			continue
		}
		if seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, canon)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
