package feed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupIngestor(t *testing.T) (*VersionStore, *DomainStore, *Ingestor) {
	t.Helper()
	versions, store := setupStores(t)
	return versions, store, NewIngestor(versions, store, nil)
}

func sampleNote() ReleaseNote {
	return ReleaseNote{
		VersionID:   "3026-3536",
		ReleaseDate: testDate,
		Added: []string{
			"TrojanDownloader.upatre:hngdecor.com",
			"Virus.sality:www.greenbeach.de",
			"generic:bensoleimani.com",
		},
		Removed: []string{
			"generic:cityofangelsmagazine.com",
			"Malware.gandcrab:booomaahuuoooapl.com",
		},
	}
}

func TestIngestWritesBothGroups(t *testing.T) {
	versions, store, ingestor := setupIngestor(t)
	ctx := context.Background()

	require.NoError(t, ingestor.Ingest(ctx, sampleNote()))

	status, err := versions.Status(ctx, "3026-3536")
	require.NoError(t, err)
	assert.Equal(t, StatusParsed, status)

	complete, err := store.IsVersionComplete(ctx, "3026-3536")
	require.NoError(t, err)
	assert.True(t, complete)

	records, err := store.VersionRecords(ctx, "3026-3536")
	require.NoError(t, err)
	assert.Len(t, records, 5)

	history, err := store.History(ctx, "hngdecor.com")
	require.NoError(t, err)
	require.Len(t, history, 1)
	record := history[0]
	assert.Equal(t, "TrojanDownloader.upatre", record.Header)
	assert.Equal(t, "TrojanDownloader", record.ThreatType)
	require.NotNil(t, record.ThreatName)
	assert.Equal(t, "upatre", *record.ThreatName)
	assert.Equal(t, ActionAdded, record.Action)
	assert.Equal(t, ProcessedNone, record.Processed)

	history, err = store.History(ctx, "cityofangelsmagazine.com")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionRemoved, history[0].Action)
	assert.Nil(t, history[0].ThreatName)
}

func TestIngestIsIdempotentOnceParsed(t *testing.T) {
	versions, store, ingestor := setupIngestor(t)
	ctx := context.Background()

	require.NoError(t, ingestor.Ingest(ctx, sampleNote()))

	before, err := store.VersionRecords(ctx, "3026-3536")
	require.NoError(t, err)

	// Re-ingesting a complete version performs no writes.
	modified := sampleNote()
	modified.Added = append(modified.Added, "Worm.pykspa:zztxii.info")
	require.NoError(t, ingestor.Ingest(ctx, modified))

	after, err := store.VersionRecords(ctx, "3026-3536")
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))

	status, err := versions.Status(ctx, "3026-3536")
	require.NoError(t, err)
	assert.Equal(t, StatusParsed, status)
}

func TestIngestClearsCrashedPartialWrite(t *testing.T) {
	versions, store, ingestor := setupIngestor(t)
	ctx := context.Background()

	// A crashed prior attempt left records but no manifest and no
	// Parsed status.
	require.NoError(t, versions.RecordDownloaded(ctx, "3026-3536", testDate))
	stale := testRecord("stale.example.com", "3026-3536", ActionAdded, testDate)
	require.NoError(t, store.Upsert(ctx, stale))

	require.NoError(t, ingestor.Ingest(ctx, sampleNote()))

	history, err := store.History(ctx, "stale.example.com")
	require.NoError(t, err)
	assert.Empty(t, history, "stale partial data must not survive a rewrite")

	records, err := store.VersionRecords(ctx, "3026-3536")
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestIngestMalformedIndicatorIsStructural(t *testing.T) {
	versions, store, ingestor := setupIngestor(t)
	ctx := context.Background()

	note := sampleNote()
	note.Removed = append(note.Removed, "no-colon-in-sight")

	err := ingestor.Ingest(ctx, note)
	assert.ErrorIs(t, err, ErrStructuralFormat)

	// Nothing was written and the version never advanced.
	status, statusErr := versions.Status(ctx, "3026-3536")
	require.NoError(t, statusErr)
	assert.Equal(t, StatusDownloaded, status)

	records, recErr := store.VersionRecords(ctx, "3026-3536")
	require.NoError(t, recErr)
	assert.Empty(t, records)
}

func TestIngestRejectsMissingVersion(t *testing.T) {
	_, _, ingestor := setupIngestor(t)

	err := ingestor.Ingest(context.Background(), ReleaseNote{ReleaseDate: testDate})
	assert.ErrorIs(t, err, ErrStructuralFormat)
}

func TestParseIndicatorsSuspiciousQuery(t *testing.T) {
	note := ReleaseNote{VersionID: "3026-3536", ReleaseDate: testDate}

	records, err := parseIndicators([]string{"(Worm.ainslot:ilovebug.no-ip.org)"}, ActionAdded, note)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ilovebug.no-ip.org", records[0].Domain)
	assert.Equal(t, "Worm.ainslot", records[0].Header)
}

func TestParseIndicatorsExploitHeader(t *testing.T) {
	note := ReleaseNote{VersionID: "3026-3536", ReleaseDate: testDate}

	records, err := parseIndicators([]string{"Exploit-CVE-2017-0144:smb.example.com"}, ActionAdded, note)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Exploit", records[0].ThreatType)
	require.NotNil(t, records[0].ThreatName)
	assert.Equal(t, "CVE-2017-0144", *records[0].ThreatName)
}
