// Package main inspects and clears per-category checkpoints left behind by
// interrupted or short runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/leeaandrob/marketforge/internal/app"
	"github.com/leeaandrob/marketforge/internal/checkpoint"
	"github.com/leeaandrob/marketforge/internal/config"
	"github.com/leeaandrob/marketforge/internal/models"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	root := &cobra.Command{
		Use:          "checkpoints",
		Short:        "Inspect and clear MarketForge checkpoints",
		SilenceUsage: true,
	}
	root.AddCommand(listCmd(), showCmd(), clearCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Checkpoint command failed")
	}
}

// openStore connects to the configured checkpoint backend. The returned
// func closes any database connection.
func openStore(ctx context.Context) (checkpoint.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	// the run lock and archive are irrelevant here
	cfg.RunLock = false
	cfg.MongoArchive = false

	conns, err := app.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := app.OpenCheckpointStore(cfg, conns)
	if err != nil {
		conns.Close(ctx)
		return nil, nil, err
	}
	log.Info().Str("backend", cfg.CheckpointBackend).Msg("Opened checkpoint store")
	return store, func() { conns.Close(context.Background()) }, nil
}

func listCategories(ctx context.Context, store checkpoint.Store) ([]string, error) {
	lister, ok := store.(checkpoint.Lister)
	if !ok {
		return nil, fmt.Errorf("checkpoint backend %T cannot list categories", store)
	}
	return lister.List(ctx)
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List categories with a pending checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			categories, err := listCategories(ctx, store)
			if err != nil {
				return err
			}
			if len(categories) == 0 {
				log.Info().Msg("No checkpoints found")
				return nil
			}

			for _, category := range categories {
				state, err := store.Load(ctx, category)
				if err != nil {
					log.Error().Err(err).Str("category", category).Msg("Failed to load checkpoint")
					continue
				}
				if state == nil {
					continue
				}
				fmt.Printf("%-32s %3d/%-3d accepted  %4d consumed  updated %s\n",
					category, len(state.Accepted), state.TargetCount,
					len(state.ConsumedArticleIDs), state.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <category>",
		Short: "Print one checkpoint as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			key := models.Slugify(args[0])
			state, err := store.Load(ctx, key)
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("no checkpoint for %q", key)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}

func clearCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [category...]",
		Short: "Delete checkpoints so the next run starts fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one category or pass --all")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			store, closeFn, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			keys := make([]string, 0, len(args))
			for _, a := range args {
				keys = append(keys, models.Slugify(a))
			}
			if all {
				if keys, err = listCategories(ctx, store); err != nil {
					return err
				}
			}

			cleared := 0
			for _, key := range keys {
				if err := store.Clear(ctx, key); err != nil {
					log.Error().Err(err).Str("category", key).Msg("Failed to clear checkpoint")
					continue
				}
				cleared++
				log.Info().Str("category", key).Msg("Cleared checkpoint")
			}

			log.Info().Int("cleared", cleared).Int("requested", len(keys)).Msg("Done")
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "clear every stored checkpoint")
	return cmd
}
