package main

import (
	"github.com/spf13/cobra"
)

var runNoteFiles []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: ingest, enrich, analyze, aggregate",
	Long: `Run the full pipeline. Any release-note files given with --note are
ingested first; then the enrichment cycle runs multiple passes (records
skipped by transient trouble in one pass get picked up by the next),
then intervals are classified and aggregates recomputed.`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringSliceVar(&runNoteFiles, "note", nil, "Parsed release-note file to ingest before processing")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	for _, path := range runNoteFiles {
		note, err := readNote(path)
		if err != nil {
			return err
		}
		if err := application.ingestor.Ingest(ctx, *note); err != nil {
			return err
		}
	}

	for pass := 0; pass < application.cfg.Passes(); pass++ {
		stats, err := application.scheduler.Run(ctx, "")
		if err != nil {
			return err
		}
		if stats.QuotaExhausted || stats.Remaining == 0 {
			break
		}
	}

	if _, err := application.analyzer.Run(ctx); err != nil {
		return err
	}
	if _, err := application.aggregator.Run(ctx); err != nil {
		return err
	}
	return nil
}
