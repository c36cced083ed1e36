package feeds

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/leeaandrob/marketforge/internal/models"
)

// FeedFetcher fetches the articles of one configured feed.
type FeedFetcher interface {
	FetchWithFallback(ctx context.Context, feed models.Feed) ([]models.Article, error)
}

// Searcher returns recent articles matching a query.
type Searcher interface {
	SearchArticles(ctx context.Context, query string, window time.Duration, maxResults int) ([]models.Article, error)
}

// Source assembles the candidate articles for a category.
type Source struct {
	feeds       FeedFetcher
	search      Searcher
	concurrency int
	maxSearch   int
	now         func() time.Time
}

// Option configures a Source.
type Option func(*Source)

// WithSearcher adds a search provider used for categories with a search query.
func WithSearcher(s Searcher, maxResults int) Option {
	return func(src *Source) {
		src.search = s
		src.maxSearch = maxResults
	}
}

// WithConcurrency bounds the number of feeds fetched at once.
func WithConcurrency(n int) Option {
	return func(src *Source) { src.concurrency = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(src *Source) { src.now = now }
}

// NewSource creates a Source reading from the given feed fetcher.
func NewSource(f FeedFetcher, opts ...Option) *Source {
	s := &Source{
		feeds:       f,
		concurrency: 4,
		maxSearch:   20,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns the category's articles published within window that are
// not in consumed, deduplicated by article id and ordered newest first. A
// feed that fails is logged and skipped; if every feed fails the result is
// empty. The only error returned is cancellation of ctx.
func (s *Source) Fetch(ctx context.Context, cat models.Category, window time.Duration, consumed map[string]bool) ([]models.Article, error) {
	cutoff := s.now().Add(-window)

	var (
		mu  sync.Mutex
		all []models.Article
	)
	collect := func(items []models.Article) {
		mu.Lock()
		all = append(all, items...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, feed := range cat.Feeds {
		feed := feed
		g.Go(func() error {
			items, err := s.feeds.FetchWithFallback(gctx, feed)
			if err != nil && len(items) == 0 {
				log.Warn().Err(err).Str("category", cat.Name).Str("feed", feed.URL).Msg("Skipping feed")
				return nil
			}
			collect(items)
			return nil
		})
	}

	if s.search != nil && cat.SearchQuery != "" {
		g.Go(func() error {
			items, err := s.search.SearchArticles(gctx, cat.SearchQuery, window, s.maxSearch)
			if err != nil {
				log.Warn().Err(err).Str("category", cat.Name).Msg("Skipping search provider")
				return nil
			}
			collect(items)
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	articles := SelectArticles(all, cutoff, consumed)

	log.Debug().
		Str("category", cat.Name).
		Int("fetched", len(all)).
		Int("eligible", len(articles)).
		Dur("window", window).
		Msg("Collected articles")

	return articles, nil
}

// SelectArticles applies the recency, consumed and uniqueness filters and
// orders the result newest first. Ties are broken by id so the order is
// deterministic.
func SelectArticles(all []models.Article, cutoff time.Time, consumed map[string]bool) []models.Article {
	byID := make(map[string]models.Article, len(all))
	for _, a := range all {
		if a.ID == "" {
			a.ID = models.ArticleID(a.URL)
		}
		if a.PublishedAt.Before(cutoff) || consumed[a.ID] {
			continue
		}
		// keep the copy with the most text when feeds overlap
		if prev, ok := byID[a.ID]; ok && len(prev.Body) >= len(a.Body) {
			continue
		}
		byID[a.ID] = a
	}

	out := make([]models.Article, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
