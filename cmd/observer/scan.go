package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"basegraph.app/observer/internal/observer"
	"basegraph.app/observer/internal/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single stale pass and exit",
	Long: `Query the analysis results once for packages older than the staleness
threshold (or failed ones older than the failed threshold) and enqueue them
with low priority. Useful for backfills and for testing thresholds.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := bootstrap(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		stale := observer.NewStale(store.NewResultStore(a.database.Conn()), a.enqueuer(), observer.StaleConfig{
			Interval:        cfg.Stale.Interval,
			Threshold:       cfg.Stale.Threshold,
			FailedThreshold: cfg.Stale.FailedThreshold,
			BatchLimit:      cfg.Stale.BatchLimit,
			RatePerSecond:   cfg.Stale.RatePerSecond,
		}, a.logger)

		n, err := stale.ScanOnce(ctx)
		if err != nil {
			return fmt.Errorf("stale pass failed after %d packages: %w", n, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d stale packages\n", n)
		return nil
	},
}
