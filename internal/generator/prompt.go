package generator

import (
	"fmt"
	"strings"
	"time"

	"github.com/leeaandrob/marketforge/internal/models"
)

const systemPrompt = `You are an expert at creating prediction market questions based on news articles.
You write Kalshi-style binary markets: one clear yes/no question with objective resolution criteria.
Respond ONLY with valid JSON.`

// buildPrompt renders the user prompt for one article.
func buildPrompt(a models.Article, cat models.Category, now time.Time) string {
	subcategories := "General subcategories"
	if len(cat.Subcategories) > 0 {
		subcategories = strings.Join(cat.Subcategories, ", ")
	}

	published := "unknown"
	if !a.PublishedAt.IsZero() {
		published = a.PublishedAt.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf(`Create a prediction market question from this news article.

Today's date: %s

ARTICLE
Title: %s
Category: %s
Published Date: %s
Source: %s

Content:
%s

CATEGORY CONTEXT
This article is categorized under "%s". When selecting tags, prioritize these subcategories:
%s

Please create:
1. A clear yes/no prediction question based on the article (title). It must end with a question mark.
2. A specific timeframe with a verifiable end date (endTime), strictly after today.
3. A detailed explanation suitable for a financial prediction market (description).
4. Exactly 3 relevant tags from this list: %s

GUIDELINES
- The question must be objectively verifiable at the end date with clear resolution criteria.
- The question should be specific and avoid ambiguity.
- The timeframe should be reasonable (typically 1-12 months in the future).
- For events with uncertain dates, set endTime to a date when the outcome will definitely be known.
- The description should be 2-3 paragraphs: background from the article, what constitutes YES,
  what constitutes NO, and relevant factors traders should consider.
- Make sure the question has genuine uncertainty (avoid obvious outcomes).
- If the article does not support a verifiable, uncertain question, set "decline" to true and
  explain why in "reason".

Respond with a JSON object:
{
  "title": "The yes/no prediction question?",
  "endTime": "YYYY-MM-DDThh:mm:ssZ",
  "description": "Detailed explanation",
  "tags": ["Tag 1", "Tag 2", "Tag 3"],
  "decline": false,
  "reason": ""
}`,
		now.UTC().Format("2006-01-02"),
		a.Title,
		cat.Name,
		published,
		a.Source,
		a.Body,
		cat.Name,
		subcategories,
		strings.Join(models.AvailableTags, ", "),
	)
}
