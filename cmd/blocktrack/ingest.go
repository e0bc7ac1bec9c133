package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seclens/blocktrack/pkg/feed"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <note-file> [<note-file>...]",
	Short: "Ingest parsed release-note files (JSON or YAML)",
	Long: `Ingest one or more parsed release notes. Each file carries the
version id, release date, and the added/removed indicator groups that
the external fetch/parse stage extracted from the upstream HTML:

    {"version": "3026-3536", "date": "2019-07-01T04:00:52-07:00",
     "added": ["Trojan.delf:www.universal101.com"], "removed": []}

Versions already fully written are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}

	for _, path := range args {
		note, err := readNote(path)
		if err != nil {
			return err
		}
		if err := application.ingestor.Ingest(cmd.Context(), *note); err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
	}
	return nil
}

func readNote(path string) (*feed.ReleaseNote, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read note %s: %w", path, err)
	}

	var note feed.ReleaseNote
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &note)
	default:
		err = json.Unmarshal(raw, &note)
	}
	if err != nil {
		return nil, fmt.Errorf("parse note %s: %w", path, err)
	}
	return &note, nil
}
