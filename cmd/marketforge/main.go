// MarketForge turns recent news into prediction markets.
// It runs once or on a schedule, writing one JSON document per run.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leeaandrob/marketforge/internal/api"
	"github.com/leeaandrob/marketforge/internal/app"
	"github.com/leeaandrob/marketforge/internal/config"
	"github.com/leeaandrob/marketforge/internal/models"
	"github.com/leeaandrob/marketforge/internal/scheduler"
)

// configError marks failures that happen before any run could start.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCmd().Execute(); err != nil {
		var ce configError
		if errors.As(err, &ce) {
			log.Error().Err(err).Msg("Invalid configuration")
			os.Exit(2)
		}
		log.Error().Err(err).Msg("MarketForge failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:           "marketforge",
		Short:         "Generate prediction markets from news feeds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")

	root.AddCommand(newRunCmd(&logLevel), newScheduleCmd(&logLevel))
	return root
}

// loadConfig loads and validates configuration, applying the log level.
func loadConfig(logLevel, category string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, configError{err}
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if cfg.Debug {
		level = "debug"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, configError{fmt.Errorf("log level: %w", err)}
	}
	zerolog.SetGlobalLevel(lvl)

	if err := cfg.SelectCategories(category); err != nil {
		return nil, configError{err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError{err}
	}
	return cfg, nil
}

func newRunCmd(logLevel *string) *cobra.Command {
	var outputPath, category string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and write a single output file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*logLevel, category)
			if err != nil {
				return err
			}
			if outputPath == "" {
				outputPath = filepath.Join(cfg.OutputDir, cfg.OutputFile)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{OutputDir: filepath.Dir(outputPath)})
			if err != nil {
				return configError{err}
			}
			defer a.Close(context.Background())

			log.Info().
				Int("categories", len(cfg.Categories)).
				Str("output", outputPath).
				Msg("MarketForge - starting single run")

			summary, err := lockedRun(a)(ctx, filepath.Base(outputPath))
			if errors.Is(err, models.ErrRunInProgress) {
				log.Warn().Msg("Another process is running the pipeline, nothing to do")
				return nil
			}
			if err != nil {
				return err
			}

			log.Info().
				Int("delivered", summary.Delivered).
				Int("requested", summary.Requested).
				Str("output", summary.Output).
				Msg("Run complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default $OUTPUT_DIR/$OUTPUT_FILE)")
	cmd.Flags().StringVarP(&category, "category", "c", "", "only generate markets for this category (name or slug)")
	return cmd
}

func newScheduleCmd(logLevel *string) *cobra.Command {
	var (
		interval  int
		outputDir string
		httpAddr  string
		category  string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the pipeline on a fixed interval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*logLevel, category)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				if interval <= 0 {
					return configError{fmt.Errorf("interval must be positive, got %d", interval)}
				}
				cfg.ScheduleInterval = time.Duration(interval) * time.Minute
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return configError{err}
			}
			defer a.Close(context.Background())

			sched := scheduler.New(lockedRun(a), scheduler.Config{
				Interval:   cfg.ScheduleInterval,
				RunTimeout: cfg.RunTimeout,
			})

			var apiServer *api.Server
			if cfg.HTTPAddr != "" {
				deps := api.Deps{
					Scheduler:  sched,
					Runs:       a.Orchestrator,
					Outputs:    a.Outputs,
					Categories: cfg.Categories,
				}
				if a.Archive != nil {
					deps.Archive = a.Archive
				}
				apiServer = api.NewServer(deps, cfg.HTTPAddr)
				go func() {
					if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("API server error")
					}
				}()
			}

			if err := sched.Start(ctx); err != nil {
				return err
			}

			log.Info().
				Dur("interval", cfg.ScheduleInterval).
				Str("output_dir", cfg.OutputDir).
				Str("api", cfg.HTTPAddr).
				Msg("MarketForge scheduler running")

			// Wait for shutdown signal
			<-ctx.Done()
			log.Info().Msg("Shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			if err := sched.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("In-flight run was cancelled")
			}
			if apiServer != nil {
				if err := apiServer.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("API server shutdown failed")
				}
			}

			log.Info().Msg("MarketForge scheduler stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&interval, "interval", "i", 30, "minutes between runs (overrides SCHEDULE_INTERVAL)")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for output files (overrides OUTPUT_DIR)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "serve the status API on this address (overrides HTTP_ADDR)")
	cmd.Flags().StringVarP(&category, "category", "c", "", "only generate markets for this category (name or slug)")
	return cmd
}

// lockedRun runs the orchestrator, holding the Redis run lock when one is
// configured.
func lockedRun(a *app.App) scheduler.RunFunc {
	lock := a.RunLock()
	return func(ctx context.Context, outputName string) (*models.RunSummary, error) {
		if lock != nil {
			release, err := lock.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer release()
		}
		return a.Orchestrator.Run(ctx, a.Config.Categories, outputName)
	}
}
