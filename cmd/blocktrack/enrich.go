package main

import (
	"github.com/spf13/cobra"
)

var enrichVersion string

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run one enrichment cycle under the daily point budget",
	RunE:  runEnrich,
}

func init() {
	enrichCmd.Flags().StringVar(&enrichVersion, "version", "", "Only enrich records of this release version")
}

func runEnrich(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}

	stats, err := application.scheduler.Run(cmd.Context(), enrichVersion)
	if err != nil {
		return err
	}
	printStats(cmd, stats)
	return nil
}
