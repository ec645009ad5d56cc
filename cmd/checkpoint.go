package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset a source's resume state",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <source>",
	Short: "Print saved offsets and the last run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := openCheckpoint(cfg, args[0])
		if err != nil {
			return err
		}
		defer cp.Close() //nolint:errcheck
		return showCheckpoint(cmd.OutOrStdout(), args[0], cp)
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset <source>",
	Short: "Forget saved offsets so the next run starts from the beginning",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := openCheckpoint(cfg, args[0])
		if err != nil {
			return err
		}
		defer cp.Close() //nolint:errcheck
		if err := cp.ResetOffsets(); err != nil {
			return err
		}
		zap.L().Info("checkpoint reset", zap.String("source", args[0]))
		fmt.Fprintf(cmd.OutOrStdout(), "Offsets for %s reset.\n", args[0])
		return nil
	},
}

func showCheckpoint(w io.Writer, source string, cp checkpoint.Store) error {
	offsets, err := cp.Offsets()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Source: %s\n", source)
	if len(offsets) == 0 {
		fmt.Fprintln(w, "Offsets: none")
	} else {
		fmt.Fprintln(w, "Offsets:")
		for _, part := range slices.Sorted(maps.Keys(offsets)) {
			fmt.Fprintf(w, "  %-16s %d\n", part, offsets[part])
		}
	}

	run, ok, err := cp.LastRun(source)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(w, "Last run: never")
		return nil
	}
	fmt.Fprintf(w, "Last run: %s (%s)\n", run.Timestamp.Format(time.RFC3339), run.RunID)
	fmt.Fprintf(w, "  processed %d, success %d, failed %d, %.1fs\n",
		run.TotalProcessed, run.TotalSuccess, run.TotalFailed, run.DurationSeconds)
	return nil
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointResetCmd)
	rootCmd.AddCommand(checkpointCmd)
}
