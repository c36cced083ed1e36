// Package runner fills one category with markets, widening the article
// window once when the pool runs dry and checkpointing after every decision.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/checkpoint"
	"github.com/leeaandrob/marketforge/internal/dedup"
	"github.com/leeaandrob/marketforge/internal/models"
)

// ArticleSource returns a category's eligible articles, newest first,
// excluding the ids in consumed.
type ArticleSource interface {
	Fetch(ctx context.Context, cat models.Category, window time.Duration, consumed map[string]bool) ([]models.Article, error)
}

// MarketGenerator proposes a market for one article.
type MarketGenerator interface {
	Generate(ctx context.Context, article models.Article, cat models.Category) (*models.MarketCandidate, error)
}

// Enricher fills in article bodies that are too short to prompt with.
type Enricher interface {
	Enrich(ctx context.Context, a *models.Article) bool
}

// Config holds runner settings.
type Config struct {
	Window          time.Duration
	FallbackFactor  int
	CategoryTimeout time.Duration
	Defaults        models.MarketDefaults
	Now             func() time.Time
}

// Runner drives generation for a category until its target is met or the
// article pool is exhausted.
type Runner struct {
	source    ArticleSource
	generator MarketGenerator
	enricher  Enricher
	store     checkpoint.Store
	seen      *dedup.Set
	config    Config
}

// Option configures a Runner.
type Option func(*Runner)

// WithEnricher enriches each article before generation.
func WithEnricher(e Enricher) Option {
	return func(r *Runner) { r.enricher = e }
}

// New creates a Runner. The dedup set is shared by every runner of a
// pipeline run.
func New(source ArticleSource, generator MarketGenerator, store checkpoint.Store, seen *dedup.Set, config Config, opts ...Option) *Runner {
	if config.Window <= 0 {
		config.Window = 5 * 24 * time.Hour
	}
	if config.FallbackFactor < 1 {
		config.FallbackFactor = 2
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Defaults == (models.MarketDefaults{}) {
		config.Defaults = models.DefaultMarketDefaults()
	}
	r := &Runner{
		source:    source,
		generator: generator,
		store:     store,
		seen:      seen,
		config:    config,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var errTitleWithoutWords = errors.New("market title has no letters or digits")

type outcome int

const (
	accepted outcome = iota
	skipped
	invalid
	duplicate
)

// Run returns the category's markets, resumed ones first. A shortfall is
// reported in the summary and is not an error. Errors wrapping
// models.ErrPersistence mean a checkpoint could not be read or written; any
// other error is the cancellation of ctx, with progress already saved.
func (r *Runner) Run(ctx context.Context, cat models.Category, target int) ([]models.Market, models.CategorySummary, error) {
	key := cat.Key()
	summary := models.CategorySummary{Category: cat.Name, Requested: target}
	if target <= 0 {
		return nil, summary, nil
	}

	state, err := r.load(ctx, cat, target)
	if err != nil {
		return nil, summary, err
	}
	if len(state.Accepted) > 0 {
		// a title seeded first by another category's checkpoint belongs to
		// that category; this one regenerates instead
		kept := make([]models.Market, 0, len(state.Accepted))
		for _, m := range state.Accepted {
			if owner, ok := r.seen.Owner(m.Title); ok && owner != cat.Name {
				log.Warn().
					Str("category", cat.Name).
					Str("owner", owner).
					Str("title", m.Title).
					Msg("Dropping resumed market owned by another category")
				continue
			}
			kept = append(kept, m)
		}
		state.Accepted = kept
		summary.Resumed = len(state.Accepted)
		log.Info().
			Str("category", cat.Name).
			Int("accepted", len(state.Accepted)).
			Int("consumed", len(state.ConsumedArticleIDs)).
			Msg("Resuming from checkpoint")
	}

	runCtx := ctx
	if r.config.CategoryTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.config.CategoryTimeout)
		defer cancel()
	}

	windows := []time.Duration{r.config.Window}
	if r.config.FallbackFactor > 1 {
		windows = append(windows, r.config.Window*time.Duration(r.config.FallbackFactor))
	}

passes:
	for pass, window := range windows {
		if state.Remaining() == 0 {
			break
		}
		if pass > 0 {
			summary.Widened = true
			log.Info().
				Str("category", cat.Name).
				Int("remaining", state.Remaining()).
				Dur("window", window).
				Msg("Article pool exhausted, widening window")
		}

		articles, err := r.source.Fetch(runCtx, cat, window, state.ConsumedArticleIDs)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			log.Warn().Err(err).Str("category", cat.Name).Msg("Article fetch failed")
			continue
		}
		summary.ArticlesSeen += len(articles)

		for _, a := range articles {
			if state.Remaining() == 0 {
				break passes
			}
			if runCtx.Err() != nil {
				break passes
			}
			if state.IsConsumed(a.ID) {
				continue
			}

			res, err := r.process(runCtx, cat, a, state)
			if err != nil {
				if !errors.Is(err, models.ErrPersistence) && runCtx.Err() != nil {
					break passes
				}
				return nil, summary, err
			}
			switch res {
			case skipped:
				summary.Skipped++
			case invalid:
				summary.Invalid++
			case duplicate:
				summary.Duplicates++
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, summary, err
	}
	if runCtx.Err() != nil {
		log.Warn().Str("category", cat.Name).Dur("timeout", r.config.CategoryTimeout).Msg("Category timed out")
	}

	markets := append([]models.Market(nil), state.Accepted...)
	summary.Delivered = len(markets)
	summary.Shortfall = target - len(markets)

	persistCtx := context.WithoutCancel(ctx)
	if summary.Shortfall == 0 {
		if err := r.store.Clear(persistCtx, key); err != nil {
			return nil, summary, fmt.Errorf("%w: clear checkpoint %s: %v", models.ErrPersistence, key, err)
		}
	} else {
		state.UpdatedAt = r.now()
		if err := r.store.Save(persistCtx, key, state); err != nil {
			return nil, summary, fmt.Errorf("%w: save checkpoint %s: %v", models.ErrPersistence, key, err)
		}
		log.Warn().
			Str("category", cat.Name).
			Int("requested", target).
			Int("delivered", summary.Delivered).
			Int("shortfall", summary.Shortfall).
			Msg("Category fell short of target")
	}

	return markets, summary, nil
}

// Prepare seeds the shared dedup set with the category's checkpointed
// titles. Calling it for every category before any Run starts keeps a fresh
// category from taking a title another category is resuming with.
func (r *Runner) Prepare(ctx context.Context, cat models.Category, target int) error {
	if target <= 0 {
		return nil
	}
	_, err := r.load(ctx, cat, target)
	return err
}

// load returns the category's checkpoint, or a fresh state, and seeds its
// accepted titles into the dedup set.
func (r *Runner) load(ctx context.Context, cat models.Category, target int) (*models.RunState, error) {
	key := cat.Key()
	state, err := r.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: load checkpoint %s: %v", models.ErrPersistence, key, err)
	}
	if state == nil {
		return models.NewRunState(key, target), nil
	}

	state.Category = key
	state.TargetCount = target
	if len(state.Accepted) > target {
		state.Accepted = state.Accepted[:target]
	}
	titles := make([]string, len(state.Accepted))
	for i, m := range state.Accepted {
		titles[i] = m.Title
	}
	r.seen.Seed(cat.Name, titles...)
	return state, nil
}

// process decides one article and checkpoints the decision. The state is
// only updated once the checkpoint holding the decision has been saved.
func (r *Runner) process(ctx context.Context, cat models.Category, a models.Article, state *models.RunState) (outcome, error) {
	if r.enricher != nil {
		r.enricher.Enrich(ctx, &a)
	}

	cand, err := r.generator.Generate(ctx, a, cat)
	if err != nil {
		if ctx.Err() != nil {
			return skipped, ctx.Err()
		}
		log.Debug().Err(err).Str("category", cat.Name).Str("article", a.ID).Msg("Skipping article")
		return skipped, r.reject(ctx, state, a.ID)
	}

	now := r.now()
	cand.Category = cat.Name
	cand.EndTime = cand.EndTime.UTC().Truncate(time.Second)
	err = cand.Validate(now)
	if err == nil && dedup.Fingerprint(cand.Title) == "" {
		err = errTitleWithoutWords
	}
	if err != nil {
		log.Debug().Err(err).Str("category", cat.Name).Str("article", a.ID).Msg("Rejecting invalid market")
		return invalid, r.reject(ctx, state, a.ID)
	}

	if !r.seen.TryAccept(cand.Title, cat.Name) {
		log.Debug().Str("category", cat.Name).Str("title", cand.Title).Msg("Rejecting duplicate market")
		return duplicate, r.reject(ctx, state, a.ID)
	}

	market := models.NewMarket(cand, r.config.Defaults, now)
	next := state.Clone()
	next.Accepted = append(next.Accepted, market)
	next.MarkConsumed(a.ID)
	next.UpdatedAt = now

	if err := r.store.Save(context.WithoutCancel(ctx), state.Category, next); err != nil {
		r.seen.Release(cand.Title, cat.Name)
		return accepted, fmt.Errorf("%w: save checkpoint %s: %v", models.ErrPersistence, state.Category, err)
	}
	*state = *next

	log.Info().
		Str("category", cat.Name).
		Str("market", market.ID).
		Str("title", market.Title).
		Int("accepted", len(state.Accepted)).
		Int("target", state.TargetCount).
		Msg("Accepted market")

	return accepted, nil
}

func (r *Runner) reject(ctx context.Context, state *models.RunState, articleID string) error {
	next := state.Clone()
	next.MarkConsumed(articleID)
	next.UpdatedAt = r.now()
	if err := r.store.Save(context.WithoutCancel(ctx), state.Category, next); err != nil {
		return fmt.Errorf("%w: save checkpoint %s: %v", models.ErrPersistence, state.Category, err)
	}
	*state = *next
	return nil
}

func (r *Runner) now() time.Time {
	return r.config.Now().UTC().Truncate(time.Second)
}
