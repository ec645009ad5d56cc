package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ghadam-app/crawlers/internal/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the registered sources",
	RunE: func(cmd *cobra.Command, _ []string) error {
		listSources(cmd.OutOrStdout(), sources.Default())
		return nil
	},
}

func listSources(w io.Writer, reg *sources.Registry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOUNTRY\tBASE URL\tDESCRIPTION")
	for _, s := range reg.All() {
		base := s.Merge(sourceSettings(cfg.Source(s.Name))).BaseURL
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Country, base, s.Description)
	}
	_ = tw.Flush()
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}
