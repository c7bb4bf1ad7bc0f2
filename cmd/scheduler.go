package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shelfdata/curator/internal/scheduler"
	"github.com/shelfdata/curator/pkg/product"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic lifecycle jobs",
	Long:  "Marks high-confidence insights for automatic processing, applies them after their grace window, revalidates open insights against the product dataset, and refreshes taxonomies and the product dump.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := scheduler.New(env.Store, env.Annotator, env.Validator, env.Locker,
			cfg.Scheduler, cfg.Importer.GraceWindow()).
			WithTaxonomyRefresh(func(ctx context.Context) error {
				return env.Taxonomies.RefreshAll(ctx, env.Loader)
			}).
			WithDatasetRefresh(datasetRefresher(env))

		if err := sched.Start(ctx); err != nil {
			return err
		}
		zap.L().Info("scheduler started")

		<-ctx.Done()
		zap.L().Info("stopping scheduler")
		sched.Stop()
		return nil
	},
}

// datasetRefresher rebuilds the in-memory product snapshot from the
// service's dump endpoint when the client supports it.
func datasetRefresher(env *curatorEnv) scheduler.Refresher {
	fetcher, ok := env.Products.(product.DumpFetcher)
	if !ok {
		return func(ctx context.Context) error {
			zap.L().Debug("product client has no dump endpoint, skipping snapshot refresh")
			return nil
		}
	}
	return func(ctx context.Context) error {
		return env.Snapshot.Refresh(ctx, fetcher.DownloadDump)
	}
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
