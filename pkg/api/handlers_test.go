package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seclens/blocktrack/pkg/analyze"
	"github.com/seclens/blocktrack/pkg/enrich"
	"github.com/seclens/blocktrack/pkg/feed"
	"github.com/seclens/blocktrack/pkg/intel"
)

var testDate = time.Date(2019, 7, 1, 4, 0, 52, 0, time.UTC)

type fixture struct {
	versions   *feed.VersionStore
	store      *feed.DomainStore
	aggregates *analyze.Aggregator
	api        http.Handler
}

func setupAPI(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// Enrichment runs through the worker pool, which may open a second
	// pooled connection; a second connection would see its own empty
	// in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	versions := feed.NewVersionStore(db)
	require.NoError(t, versions.AutoMigrate())
	store := feed.NewDomainStore(db, versions)
	require.NoError(t, store.AutoMigrate())
	aggregates := analyze.NewAggregator(db, store, nil)
	require.NoError(t, aggregates.AutoMigrate())

	// Unlimited account with no tags on any domain keeps /enrich cycles
	// deterministic.
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/account") {
			w.Write([]byte(`{"daily_points_remaining": 0, "unlimited": true}`))
			return
		}
		w.Write([]byte(`{"total": 0, "samples": []}`))
	}))
	t.Cleanup(remote.Close)

	client := intel.NewClient(&intel.ClientConfig{BaseURL: remote.URL}, nil)
	tags := intel.NewTagCache(db, client, nil, nil)
	require.NoError(t, tags.AutoMigrate())
	scheduler := enrich.NewScheduler(store, versions, client, tags, &enrich.SchedulerConfig{
		Workers:       1,
		QueueDepth:    2,
		CostPerLookup: intel.CostPerLookup,
		ExcludeHeader: enrich.GenericHeader,
	}, nil)

	server := NewServer(versions, store, scheduler, aggregates, nil)
	return &fixture{
		versions:   versions,
		store:      store,
		aggregates: aggregates,
		api:        server.Router(),
	}
}

func (f *fixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func (f *fixture) seedVersion(t *testing.T, versionID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.versions.RecordDownloaded(ctx, versionID, testDate))
	require.NoError(t, f.store.Upsert(ctx, &feed.DomainRecord{
		Domain:     "zief.pl",
		VersionID:  versionID,
		Raw:        "Trojan.delf:zief.pl",
		Header:     "Trojan.delf",
		ThreatType: "Trojan",
		Action:     feed.ActionAdded,
		RecordDate: testDate,
	}))
}

func TestHealthEndpoint(t *testing.T) {
	f := setupAPI(t)
	rec, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListVersions(t *testing.T) {
	f := setupAPI(t)
	f.seedVersion(t, "3026-3536")
	require.NoError(t, f.versions.RecordDownloaded(context.Background(), "3030-3540", testDate.AddDate(0, 0, 3)))

	rec, body := f.get(t, "/api/v1/versions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["totalSize"])

	versions := body["versions"].([]any)
	// Most recent release first.
	first := versions[0].(map[string]any)
	assert.Equal(t, "3030-3540", first["versionId"])
	assert.Equal(t, "downloaded", first["status"])
}

func TestGetVersion(t *testing.T) {
	f := setupAPI(t)
	f.seedVersion(t, "3026-3536")

	rec, body := f.get(t, "/api/v1/versions/3026-3536")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["complete"])
	assert.EqualValues(t, 1, body["unenriched"])

	version := body["version"].(map[string]any)
	assert.Equal(t, "3026", version["shortVersion"])
}

func TestGetVersionNotFound(t *testing.T) {
	f := setupAPI(t)
	rec, body := f.get(t, "/api/v1/versions/9999-0000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "9999-0000")
}

func TestVersionRecords(t *testing.T) {
	f := setupAPI(t)
	f.seedVersion(t, "3026-3536")

	rec, body := f.get(t, "/api/v1/versions/3026-3536/records")
	assert.Equal(t, http.StatusOK, rec.Code)
	records := body["records"].([]any)
	require.Len(t, records, 1)
	record := records[0].(map[string]any)
	assert.Equal(t, "zief.pl", record["domain"])
	assert.Equal(t, "added", record["action"])
}

func TestDomainHistory(t *testing.T) {
	f := setupAPI(t)
	f.seedVersion(t, "3026-3536")

	rec, body := f.get(t, "/api/v1/domains/zief.pl/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["totalSize"])

	rec, body = f.get(t, "/api/v1/domains/unknown.example.com/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["totalSize"], "unknown domain yields an empty history, not an error")
}

func TestDomainAggregateNotFound(t *testing.T) {
	f := setupAPI(t)
	rec, body := f.get(t, "/api/v1/domains/zief.pl/aggregate")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "zief.pl")
}

func TestEnrichEndpointRunsCycle(t *testing.T) {
	f := setupAPI(t)
	f.seedVersion(t, "3026-3536")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/enrich",
		strings.NewReader(`{"version": "3026-3536"}`))
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats enrich.CycleStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, stats.NoTag)
	assert.EqualValues(t, 0, stats.Remaining)
}
