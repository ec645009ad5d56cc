package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ghadam-app/crawlers/internal/failures"
)

var (
	analyzeSource   string
	analyzeFile     string
	analyzeExamples int
	analyzeOutput   string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze-failures",
	Short: "Summarise a failure log by error type and source",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := failureLogPath(analyzeSource, analyzeFile)
		if err != nil {
			return err
		}

		report, err := failures.Analyze(path, analyzeExamples)
		if err != nil {
			return err
		}
		report.Print(cmd.OutOrStdout())

		if analyzeOutput != "" {
			if err := report.WriteFile(analyzeOutput); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReport written to %s\n", analyzeOutput)
		}
		return nil
	},
}

// failureLogPath resolves --file, falling back to the source's log in the
// state directory.
func failureLogPath(source, file string) (string, error) {
	switch {
	case file != "":
		return file, nil
	case source != "":
		return cfg.FailureLogPath(source), nil
	}
	return "", eris.New("analyze-failures: pass --source or --file")
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeSource, "source", "", "source whose failure log to analyse")
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "failure log path (overrides --source)")
	analyzeCmd.Flags().IntVar(&analyzeExamples, "examples", 3, "example messages to show per error type")
	analyzeCmd.Flags().StringVar(&analyzeOutput, "output", "", "also write the report to this file (.json or .yaml)")
	rootCmd.AddCommand(analyzeCmd)
}
