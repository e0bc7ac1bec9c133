package feed

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ReleaseNote is one parsed release note: the indicator groups an
// external fetch/parse stage extracted from the upstream HTML. Each
// indicator is the raw "Header.threat:domain" string from the notes.
type ReleaseNote struct {
	VersionID   string    `json:"version" yaml:"version"`
	ReleaseDate time.Time `json:"date" yaml:"date"`
	Added       []string  `json:"added" yaml:"added"`
	Removed     []string  `json:"removed" yaml:"removed"`
}

// suspiciousQuery matches the parenthesized domain form used by
// "Suspicious DNS Query" entries.
var suspiciousQuery = regexp.MustCompile(`\((.*)\)`)

// Ingestor writes parsed release notes into the domain store and
// advances the version lifecycle. The added and removed groups are
// written by two concurrent writers sharing only the append-only
// store; the version is advanced to Parsed only after both finish.
type Ingestor struct {
	versions *VersionStore
	store    *DomainStore
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(versions *VersionStore, store *DomainStore, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{versions: versions, store: store, logger: logger}
}

// Ingest persists one release note. Re-ingesting a version that is
// already complete is a no-op; a version left half-written by a crash
// is cleared and rewritten from scratch. On a partial failure (only
// one group written) the version stays Downloaded so the next run
// redoes the whole thing.
func (in *Ingestor) Ingest(ctx context.Context, note ReleaseNote) error {
	if note.VersionID == "" {
		return fmt.Errorf("ingest: release note without version id: %w", ErrStructuralFormat)
	}

	if err := in.versions.RecordDownloaded(ctx, note.VersionID, note.ReleaseDate); err != nil {
		return err
	}

	complete, err := in.store.IsVersionComplete(ctx, note.VersionID)
	if err != nil {
		return err
	}
	if complete {
		in.logger.Info("version already written, not rewriting",
			"version", note.VersionID)
		return nil
	}

	// Parse both groups up front. A malformed indicator means the
	// release-note format changed; stop before touching the store.
	added, err := parseIndicators(note.Added, ActionAdded, note)
	if err != nil {
		return err
	}
	removed, err := parseIndicators(note.Removed, ActionRemoved, note)
	if err != nil {
		return err
	}

	if err := in.store.BeginVersion(ctx, note.VersionID); err != nil {
		return err
	}

	in.logger.Info("writing release note",
		"version", note.VersionID,
		"added", len(added),
		"removed", len(removed))

	// Write both groups concurrently; join before advancing status.
	var wg sync.WaitGroup
	groupErrs := make([]error, 2)
	for i, group := range [][]DomainRecord{added, removed} {
		wg.Add(1)
		go func(i int, group []DomainRecord) {
			defer wg.Done()
			groupErrs[i] = in.writeGroup(ctx, group)
		}(i, group)
	}
	wg.Wait()

	for _, err := range groupErrs {
		if err != nil {
			// Version stays Downloaded; the next run clears and rewrites.
			return fmt.Errorf("incomplete ingest of %s: %w", note.VersionID, err)
		}
	}

	if err := in.store.MarkVersionComplete(ctx, note.VersionID, len(added), len(removed)); err != nil {
		return err
	}
	if err := in.versions.Advance(ctx, note.VersionID, StatusParsed); err != nil {
		return err
	}

	in.logger.Info("release note ingested", "version", note.VersionID)
	return nil
}

func (in *Ingestor) writeGroup(ctx context.Context, group []DomainRecord) error {
	for i := range group {
		if err := in.store.Upsert(ctx, &group[i]); err != nil {
			return err
		}
	}
	return nil
}

// parseIndicators turns raw "Header.threat:domain" strings into domain
// records. "Suspicious DNS Query" entries wrap the indicator in
// parentheses; Exploit-CVE headers split on '-' instead of '.'.
func parseIndicators(raws []string, action string, note ReleaseNote) ([]DomainRecord, error) {
	records := make([]DomainRecord, 0, len(raws))
	for _, raw := range raws {
		if m := suspiciousQuery.FindStringSubmatch(raw); m != nil {
			raw = m[1]
		}

		header, domain, ok := strings.Cut(raw, ":")
		if !ok || domain == "" {
			return nil, fmt.Errorf("indicator %q does not split into header and domain: %w",
				raw, ErrStructuralFormat)
		}

		splitChar := "."
		if strings.HasPrefix(header, "Exploit-CVE") {
			splitChar = "-"
		}
		threatType, threatName, _ := strings.Cut(header, splitChar)

		record := DomainRecord{
			Domain:     domain,
			VersionID:  note.VersionID,
			Raw:        raw,
			Header:     header,
			ThreatType: threatType,
			Action:     action,
			RecordDate: note.ReleaseDate,
		}
		if threatName != "" {
			name := threatName
			record.ThreatName = &name
		}
		records = append(records, record)
	}
	return records, nil
}
