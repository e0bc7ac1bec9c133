package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seclens/blocktrack/pkg/feed"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show release versions and their pipeline state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	versions, err := application.versions.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tRELEASED\tSTATUS\tCOMPLETE\tUNENRICHED")
	for i := range versions {
		version := &versions[i]
		complete, err := application.store.IsVersionComplete(ctx, version.VersionID)
		if err != nil {
			return err
		}
		remaining, err := application.store.CountUnenriched(ctx,
			feed.UnenrichedFilter{VersionID: version.VersionID})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\n",
			version.VersionID,
			version.ReleaseDate.Format(time.DateOnly),
			version.Status,
			complete,
			remaining)
	}
	return w.Flush()
}

// printStats renders any stats struct as indented JSON.
func printStats(cmd *cobra.Command, stats any) {
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}
