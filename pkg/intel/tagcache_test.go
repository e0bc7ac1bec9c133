package intel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/seclens/blocktrack/pkg/feed"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	return db
}

// countingTagServer serves one tag payload and counts fetches.
func countingTagServer(t *testing.T, status int, body string) (*Client, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return NewClient(&ClientConfig{BaseURL: server.URL}, nil), &calls
}

func setupTagCache(t *testing.T, client *Client) *TagCache {
	t.Helper()
	cache := NewTagCache(setupTestDB(t), client, nil, nil)
	require.NoError(t, cache.AutoMigrate())
	return cache
}

const upatreBody = `{"name": "Upatre", "publicName": "Unit42.Upatre",
	"class": "malware_family", "groups": ["Downloader"],
	"description": "Downloader trojan"}`

func TestFreshEntryServedWithoutRemoteCall(t *testing.T) {
	client, calls := countingTagServer(t, http.StatusOK, upatreBody)
	cache := setupTagCache(t, client)
	ctx := context.Background()

	record, err := cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)
	assert.Equal(t, "Downloader", record.TagGroup)
	assert.Equal(t, "Unit42", record.Source)
	assert.EqualValues(t, 1, calls.Load())

	// Second access hits only the cache.
	record, err = cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)
	assert.Equal(t, "Upatre", record.TagName)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStaleEntryTriggersSingleRefetch(t *testing.T) {
	client, calls := countingTagServer(t, http.StatusOK, upatreBody)
	cache := setupTagCache(t, client)
	ctx := context.Background()

	base := time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }

	_, err := cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)
	require.EqualValues(t, 1, calls.Load())

	// Past the freshness window the next access refetches once, and the
	// rewritten entry is fresh again afterwards.
	cache.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }
	_, err = cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	_, err = cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestUnknownTagIsTombstoned(t *testing.T) {
	client, calls := countingTagServer(t, http.StatusNotFound, `{"message": "no such tag"}`)
	cache := setupTagCache(t, client)
	ctx := context.Background()

	record, err := cache.LookupOrFetch(ctx, "Nonexistent")
	require.NoError(t, err)
	assert.True(t, record.Tombstone())
	assert.Equal(t, UndefinedGroup, record.TagGroup)

	// The tombstone absorbs repeat lookups.
	_, err = cache.LookupOrFetch(ctx, "Nonexistent")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestStaleFallbackOnTransientFailure(t *testing.T) {
	var failing atomic.Bool
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(upatreBody))
	}))
	t.Cleanup(server.Close)

	cache := setupTagCache(t, NewClient(&ClientConfig{BaseURL: server.URL}, nil))
	ctx := context.Background()

	base := time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return base }
	_, err := cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)

	// Entry goes stale and the remote starts failing: the stale entry is
	// served rather than an error.
	failing.Store(true)
	cache.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }

	record, err := cache.LookupOrFetch(ctx, "Upatre")
	require.NoError(t, err)
	assert.Equal(t, "Upatre", record.TagName)
	assert.EqualValues(t, 2, calls.Load())
}

func TestTransientFailureWithNoCachePropagates(t *testing.T) {
	client, _ := countingTagServer(t, http.StatusBadGateway, "")
	cache := setupTagCache(t, client)

	_, err := cache.LookupOrFetch(context.Background(), "Upatre")
	assert.ErrorIs(t, err, feed.ErrTransient)
}

func TestEmptyTagNameIsStructural(t *testing.T) {
	client, _ := countingTagServer(t, http.StatusOK, upatreBody)
	cache := setupTagCache(t, client)

	_, err := cache.LookupOrFetch(context.Background(), "")
	assert.ErrorIs(t, err, feed.ErrStructuralFormat)
}
