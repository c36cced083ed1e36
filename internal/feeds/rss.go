// Package feeds pulls candidate news articles for a category from RSS/Atom
// feeds and optional search providers.
package feeds

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/models"
)

const userAgent = "Mozilla/5.0 (compatible; MarketForge/1.0; +https://github.com/leeaandrob/marketforge)"

// ErrEmptyFeed is returned when a feed parses but has no items.
var ErrEmptyFeed = errors.New("feed has no entries")

// RSSFetcher downloads and parses RSS/Atom feeds.
type RSSFetcher struct {
	client *resty.Client
}

// RSSConfig holds the HTTP settings for feed downloads.
type RSSConfig struct {
	Timeout time.Duration
	Retries int
}

// NewRSSFetcher creates an RSSFetcher.
func NewRSSFetcher(cfg RSSConfig) *RSSFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RSSFetcher{
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.Retries).
			SetRetryWaitTime(500 * time.Millisecond).
			SetHeader("User-Agent", userAgent).
			SetHeader("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8"),
	}
}

// FetchFeed fetches and parses a single feed.
func (f *RSSFetcher) FetchFeed(ctx context.Context, feedURL string) ([]models.Article, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		Get(feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feedURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("feed %s returned %d", feedURL, resp.StatusCode())
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	if len(feed.Items) == 0 {
		return nil, ErrEmptyFeed
	}

	source := strings.TrimSpace(feed.Title)
	if source == "" {
		source = hostOf(feedURL)
	}

	articles := make([]models.Article, 0, len(feed.Items))
	for _, item := range feed.Items {
		a, ok := toArticle(item, source, feedURL)
		if !ok {
			continue
		}
		articles = append(articles, a)
	}

	log.Debug().
		Str("feed", feedURL).
		Int("items", len(feed.Items)).
		Int("articles", len(articles)).
		Msg("Fetched feed")

	return articles, nil
}

// FetchWithFallback tries the primary URL, then each fallback in order,
// returning the first that yields articles.
func (f *RSSFetcher) FetchWithFallback(ctx context.Context, feed models.Feed) ([]models.Article, error) {
	articles, err := f.FetchFeed(ctx, feed.URL)
	if err == nil && len(articles) > 0 {
		return articles, nil
	}

	for _, fallback := range feed.FallbackURLs {
		if ctx.Err() != nil {
			break
		}
		log.Info().Str("feed", feed.URL).Str("fallback", fallback).Msg("Using fallback feed")
		fb, fbErr := f.FetchFeed(ctx, fallback)
		if fbErr == nil && len(fb) > 0 {
			return fb, nil
		}
		if fbErr != nil {
			err = errors.Join(err, fbErr)
		}
	}

	return articles, err
}

// toArticle converts a feed item. Items without a link, title or any date
// are dropped.
func toArticle(item *gofeed.Item, source, feedURL string) (models.Article, bool) {
	link := strings.TrimSpace(item.Link)
	title := CleanText(item.Title)
	if link == "" || title == "" {
		return models.Article{}, false
	}

	var published time.Time
	switch {
	case item.PublishedParsed != nil:
		published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		published = *item.UpdatedParsed
	default:
		return models.Article{}, false
	}

	body := CleanText(item.Content)
	if desc := CleanText(item.Description); len(desc) > len(body) {
		body = desc
	}

	return models.Article{
		ID:          models.ArticleID(link),
		Title:       title,
		Body:        body,
		URL:         link,
		Source:      source,
		Feed:        feedURL,
		PublishedAt: published.UTC(),
	}, true
}

func hostOf(rawURL string) string {
	s := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "www.")
}
