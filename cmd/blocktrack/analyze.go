package main

import (
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify repeat domains and compute residence/reinsert intervals",
	RunE:  runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}

	stats, err := application.analyzer.Run(cmd.Context())
	if err != nil {
		return err
	}
	printStats(cmd, stats)
	return nil
}
