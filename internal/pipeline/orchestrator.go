// Package pipeline runs every category of a batch and assembles the output
// document.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/leeaandrob/marketforge/internal/dedup"
	"github.com/leeaandrob/marketforge/internal/models"
	"github.com/leeaandrob/marketforge/internal/output"
)

// Output grouping modes.
const (
	GroupByCategory = "category"
	GroupAggregate  = "aggregate"
)

// CategoryRunner produces the markets of one category. Prepare is called
// for every category before the first Run of a pipeline run.
type CategoryRunner interface {
	Prepare(ctx context.Context, cat models.Category, target int) error
	Run(ctx context.Context, cat models.Category, target int) ([]models.Market, models.CategorySummary, error)
}

// RunnerFactory builds the category runner for one pipeline run. All runners
// of a run share the given dedup set.
type RunnerFactory func(seen *dedup.Set) CategoryRunner

// Publisher forwards finished markets to a downstream system.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, markets []models.Market) (int, error)
}

// RunRecorder archives run summaries.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary *models.RunSummary) error
}

// Config holds orchestrator settings.
type Config struct {
	Parallelism   int
	DefaultTarget int
	Grouping      string
	Now           func() time.Time
}

// Orchestrator runs categories with bounded parallelism.
type Orchestrator struct {
	newRunner  RunnerFactory
	sink       output.Sink
	publishers []Publisher
	recorder   RunRecorder
	config     Config

	mu   sync.Mutex
	last *models.RunSummary
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublishers adds downstream publishers, called after the output is
// written.
func WithPublishers(p ...Publisher) Option {
	return func(o *Orchestrator) { o.publishers = append(o.publishers, p...) }
}

// WithRecorder archives every run summary.
func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// New creates an Orchestrator.
func New(newRunner RunnerFactory, sink output.Sink, config Config, opts ...Option) *Orchestrator {
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	if config.DefaultTarget <= 0 {
		config.DefaultTarget = 30
	}
	if config.Grouping == "" {
		config.Grouping = GroupByCategory
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	o := &Orchestrator{
		newRunner: newRunner,
		sink:      sink,
		config:    config,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type categoryResult struct {
	markets []models.Market
	summary models.CategorySummary
}

// Run generates markets for every category and writes the document under
// outputName. A failing or panicking category contributes zero markets. The
// run aborts with an error wrapping models.ErrPersistence when a checkpoint
// or the output cannot be written, and with ctx.Err() when cancelled.
func (o *Orchestrator) Run(ctx context.Context, categories []models.Category, outputName string) (*models.RunSummary, error) {
	if len(categories) == 0 {
		return nil, models.ErrNoCategories
	}

	summary := &models.RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: o.config.Now().UTC(),
	}
	logger := log.With().Str("run", summary.RunID).Logger()
	logger.Info().Int("categories", len(categories)).Int("parallelism", o.config.Parallelism).Msg("Starting pipeline run")

	runner := o.newRunner(dedup.New())
	results := make([]categoryResult, len(categories))

	// every checkpointed title is claimed before any category generates
	for _, cat := range categories {
		if err := runner.Prepare(ctx, cat, cat.TargetOr(o.config.DefaultTarget)); err != nil {
			logger.Error().Err(err).Str("category", cat.Name).Msg("Pipeline run aborted")
			return summary, err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Parallelism)

	for i, cat := range categories {
		i, cat := i, cat
		target := cat.TargetOr(o.config.DefaultTarget)
		results[i].summary = models.CategorySummary{Category: cat.Name, Requested: target, Shortfall: target}

		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Str("category", cat.Name).Interface("panic", r).Msg("Category runner panicked")
					results[i].summary.Error = fmt.Sprintf("panic: %v", r)
					err = nil
				}
			}()

			markets, catSummary, err := runner.Run(gctx, cat, target)
			if err != nil {
				if errors.Is(err, models.ErrPersistence) || gctx.Err() != nil {
					return err
				}
				logger.Error().Err(err).Str("category", cat.Name).Msg("Category failed")
				results[i].summary.Error = err.Error()
				return nil
			}
			results[i] = categoryResult{markets: markets, summary: catSummary}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Pipeline run aborted")
		return summary, err
	}

	doc, all := o.assemble(categories, results, summary)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return summary, fmt.Errorf("encode output: %w", err)
	}
	loc, err := o.sink.Write(ctx, outputName, data)
	if err != nil {
		return summary, fmt.Errorf("%w: write output: %v", models.ErrPersistence, err)
	}
	summary.Output = loc

	for _, p := range o.publishers {
		n, err := p.Publish(ctx, all)
		if err != nil {
			logger.Warn().Err(err).Str("publisher", p.Name()).Msg("Publish failed")
		}
		summary.Published += n
	}

	summary.FinishedAt = o.config.Now().UTC()
	o.finish(ctx, summary, outputName)

	for _, c := range summary.Categories {
		logger.Info().
			Str("category", c.Category).
			Int("requested", c.Requested).
			Int("delivered", c.Delivered).
			Int("skipped", c.Skipped+c.Invalid).
			Int("duplicates", c.Duplicates).
			Msg("Category result")
	}
	logger.Info().
		Str("output", loc).
		Int("requested", summary.Requested).
		Int("delivered", summary.Delivered).
		Dur("took", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("Pipeline run complete")

	return summary, nil
}

// assemble builds the output document, dropping any market whose fingerprint
// already appears earlier in the document.
func (o *Orchestrator) assemble(categories []models.Category, results []categoryResult, summary *models.RunSummary) (models.OutputDocument, []models.Market) {
	seen := make(map[string]bool)
	doc := models.OutputDocument{EventsData: []models.Event{}}
	var all []models.Market

	for i := range categories {
		res := results[i]
		kept := make([]models.Market, 0, len(res.markets))
		for _, m := range res.markets {
			fp := dedup.Fingerprint(m.Title)
			if seen[fp] {
				log.Warn().Str("category", res.summary.Category).Str("title", m.Title).Msg("Dropping duplicate market from output")
				res.summary.Duplicates++
				continue
			}
			seen[fp] = true
			kept = append(kept, m)
		}

		res.summary.Delivered = len(kept)
		res.summary.Shortfall = res.summary.Requested - len(kept)
		if res.summary.Shortfall < 0 {
			res.summary.Shortfall = 0
		}
		summary.Categories = append(summary.Categories, res.summary)
		summary.Requested += res.summary.Requested
		summary.Delivered += len(kept)
		summary.Skipped += res.summary.Skipped + res.summary.Invalid
		summary.Duplicates += res.summary.Duplicates

		all = append(all, kept...)
		if o.config.Grouping == GroupByCategory {
			doc.EventsData = append(doc.EventsData, models.Event{Category: categories[i].Name, Markets: kept})
		}
	}

	if o.config.Grouping == GroupAggregate {
		if all == nil {
			all = []models.Market{}
		}
		doc.EventsData = append(doc.EventsData, models.Event{Markets: all})
	}
	return doc, all
}

// finish stores the summary next to the output and archives it. Failures
// here do not fail the run.
func (o *Orchestrator) finish(ctx context.Context, summary *models.RunSummary, outputName string) {
	if data, err := json.MarshalIndent(summary, "", "  "); err == nil {
		if _, err := o.sink.Write(ctx, SummaryName(outputName), data); err != nil {
			log.Warn().Err(err).Msg("Failed to write run summary")
		}
	}
	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("Failed to record run")
		}
	}

	o.mu.Lock()
	o.last = summary
	o.mu.Unlock()
}

// LastSummary returns the summary of the most recent completed run.
func (o *Orchestrator) LastSummary() *models.RunSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// SummaryName returns the summary file name for an output name.
func SummaryName(outputName string) string {
	ext := filepath.Ext(outputName)
	return strings.TrimSuffix(outputName, ext) + ".summary.json"
}
