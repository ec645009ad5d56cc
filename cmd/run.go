package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ghadam-app/crawlers/internal/sources"
)

var (
	runDryRun bool
	runResume bool
)

var runCmd = &cobra.Command{
	Use:   "run <source> [source...]",
	Short: "Crawl one or more sources and ingest them",
	Long:  "Runs each named source end to end. Exits non-zero when any source fails or any item could not be ingested.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r, err := newRunner(ctx, cfg, sources.Default(), runDryRun)
		if err != nil {
			return err
		}
		defer r.Close()

		results, err := r.runAll(ctx, args, runResume)
		printResults(cmd.OutOrStdout(), results)
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "crawl and transform without writing to the database")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "continue from the saved checkpoint offsets")
	rootCmd.AddCommand(runCmd)
}
