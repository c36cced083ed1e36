// Package app wires configuration into a ready-to-run pipeline.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leeaandrob/marketforge/internal/cache/redis"
	"github.com/leeaandrob/marketforge/internal/checkpoint"
	"github.com/leeaandrob/marketforge/internal/cms"
	"github.com/leeaandrob/marketforge/internal/config"
	"github.com/leeaandrob/marketforge/internal/dedup"
	"github.com/leeaandrob/marketforge/internal/enrichment"
	"github.com/leeaandrob/marketforge/internal/feeds"
	"github.com/leeaandrob/marketforge/internal/generator"
	"github.com/leeaandrob/marketforge/internal/output"
	"github.com/leeaandrob/marketforge/internal/pipeline"
	"github.com/leeaandrob/marketforge/internal/qwen"
	"github.com/leeaandrob/marketforge/internal/runner"
	"github.com/leeaandrob/marketforge/internal/storage"
)

// App holds the long-lived collaborators of a MarketForge process.
type App struct {
	Config       *config.Config
	Orchestrator *pipeline.Orchestrator
	Outputs      *output.FileSink
	Checkpoints  checkpoint.Store
	Archive      *storage.Store
	Redis        *redis.Client

	closers []func(ctx context.Context) error
}

// Connections are the external stores a process may need. Either field may
// be nil.
type Connections struct {
	Mongo *storage.Store
	Redis *redis.Client
}

// Connect opens the databases the configuration asks for.
func Connect(ctx context.Context, cfg *config.Config) (*Connections, error) {
	conns := &Connections{}
	if cfg.UsesMongo() {
		store, err := storage.NewStore(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		conns.Mongo = store
	}
	if cfg.UsesRedis() {
		client, err := redis.New(ctx, redis.ClientConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			conns.Close(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		conns.Redis = client
	}
	return conns, nil
}

// Close releases every open connection.
func (c *Connections) Close(ctx context.Context) {
	if c.Mongo != nil {
		if err := c.Mongo.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to close MongoDB")
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis")
		}
	}
}

// OpenCheckpointStore returns the checkpoint backend named by the config.
func OpenCheckpointStore(cfg *config.Config, conns *Connections) (checkpoint.Store, error) {
	switch cfg.CheckpointBackend {
	case config.CheckpointFile, "":
		return checkpoint.NewFileStore(cfg.CheckpointDir)
	case config.CheckpointMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.CheckpointMongo:
		if conns == nil || conns.Mongo == nil {
			return nil, fmt.Errorf("checkpoint backend %q: mongo not connected", cfg.CheckpointBackend)
		}
		return conns.Mongo, nil
	case config.CheckpointRedis:
		if conns == nil || conns.Redis == nil {
			return nil, fmt.Errorf("checkpoint backend %q: redis not connected", cfg.CheckpointBackend)
		}
		return redis.NewCheckpointStore(conns.Redis), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// Options tweak New for a particular command.
type Options struct {
	// OutputDir overrides cfg.OutputDir when set.
	OutputDir string
	// LLM replaces the Qwen client; used by tests.
	LLM generator.LLM
}

// New builds the full pipeline from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	conns, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Archive: conns.Mongo,
		Redis:   conns.Redis,
	}
	a.closers = append(a.closers, func(ctx context.Context) error {
		conns.Close(ctx)
		return nil
	})

	store, err := OpenCheckpointStore(cfg, conns)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Checkpoints = store
	log.Info().Str("backend", cfg.CheckpointBackend).Msg("Checkpoint store initialized")

	// Article sources
	fetcher := feeds.NewRSSFetcher(feeds.RSSConfig{Timeout: cfg.FeedTimeout, Retries: cfg.FeedRetries})
	sourceOpts := []feeds.Option{}
	if cfg.TavilyAPIKey != "" {
		sourceOpts = append(sourceOpts, feeds.WithSearcher(feeds.NewTavilyClient(cfg.TavilyAPIKey), 20))
		log.Info().Msg("Tavily search enabled")
	}
	source := feeds.NewSource(fetcher, sourceOpts...)

	// Enrichment
	var runnerOpts []runner.Option
	if cfg.EnableEnrichment {
		extractors := []enrichment.Extractor{enrichment.NewReadabilityExtractor(cfg.FeedTimeout)}
		if cfg.FirecrawlAPIKey != "" {
			extractors = append(extractors, enrichment.NewFirecrawlClient(cfg.FirecrawlAPIKey))
		}
		runnerOpts = append(runnerOpts, runner.WithEnricher(enrichment.NewEnricher(enrichment.EnrichmentConfig{}, extractors...)))
		log.Info().Int("extractors", len(extractors)).Msg("Enrichment pipeline initialized")
	}

	// LLM
	llm := opts.LLM
	if llm == nil {
		client := qwen.NewClient(qwen.Config{
			APIKey:            cfg.DashScopeAPIKey,
			Endpoint:          cfg.DashScopeEndpoint,
			Model:             cfg.QwenModel,
			RequestsPerMinute: cfg.LLMRequestsPerMin,
			Timeout:           cfg.LLMTimeout,
		})
		llm = client
		log.Info().Str("model", client.Model()).Msg("Qwen LLM client initialized")
	}
	gen := generator.NewGenerator(llm, generator.Config{
		MaxInFlight: cfg.LLMMaxInFlight,
		Retry: generator.RetryPolicy{
			MaxAttempts:    cfg.LLMMaxAttempts,
			BaseDelay:      cfg.LLMBaseBackoff,
			MaxDelay:       30 * time.Second,
			RateLimitDelay: 60 * time.Second,
			Sleep:          generator.SleepContext,
		},
	})

	runnerConfig := runner.Config{
		Window:          cfg.RecencyWindow,
		FallbackFactor:  cfg.FallbackFactor,
		CategoryTimeout: cfg.CategoryTimeout,
		Defaults:        cfg.MarketDefaults(),
	}
	factory := func(seen *dedup.Set) pipeline.CategoryRunner {
		return runner.New(source, gen, store, seen, runnerConfig, runnerOpts...)
	}

	// Output
	dir := cfg.OutputDir
	if opts.OutputDir != "" {
		dir = opts.OutputDir
	}
	a.Outputs = output.NewFileSink(dir)
	var sink output.Sink = a.Outputs
	if cfg.S3Bucket != "" {
		s3Sink, err := output.NewS3Sink(ctx, output.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		sink = output.Tee(a.Outputs, s3Sink)
		log.Info().Str("bucket", cfg.S3Bucket).Msg("S3 mirror enabled")
	}

	// Downstream publishers
	var pipeOpts []pipeline.Option
	var publishers []pipeline.Publisher
	if cfg.CMSURL != "" {
		publishers = append(publishers, cms.NewClient(cfg.CMSURL, cfg.CMSAPIToken))
		log.Info().Str("url", cfg.CMSURL).Msg("CMS publishing enabled")
	}
	if cfg.MongoArchive && a.Archive != nil {
		publishers = append(publishers, a.Archive)
		pipeOpts = append(pipeOpts, pipeline.WithRecorder(a.Archive))
		log.Info().Msg("MongoDB archive enabled")
	}
	if len(publishers) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithPublishers(publishers...))
	}

	a.Orchestrator = pipeline.New(factory, sink, pipeline.Config{
		Parallelism:   cfg.CategoryParallelism,
		DefaultTarget: cfg.MarketsPerCategory,
		Grouping:      cfg.OutputGrouping,
	}, pipeOpts...)

	return a, nil
}

// RunLock returns the cross-process run lock, or nil when disabled.
func (a *App) RunLock() *redis.RunLock {
	if !a.Config.RunLock || a.Redis == nil {
		return nil
	}
	return redis.NewRunLock(a.Redis, "pipeline", a.Config.RunLockTTL)
}

// Close releases the app's connections.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}
