package intel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclens/blocktrack/pkg/feed"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(&ClientConfig{BaseURL: server.URL}, nil)
}

func TestLookupParsesTags(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/domains/zief.pl", r.URL.Path)
		w.Write([]byte(`{"total": 2, "samples": [
			{"tags": []},
			{"tags": [{"name": "Upatre", "publicName": "Unit42.Upatre",
			           "class": "malware_family", "groups": ["Downloader"],
			           "description": "Downloader trojan"}]}
		]}`))
	}))

	result, err := client.Lookup(context.Background(), "zief.pl")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)

	tag, ok := result.FirstTag()
	require.True(t, ok)
	assert.Equal(t, "Upatre", tag.Name)
	assert.Equal(t, "Unit42.Upatre", tag.PublicName)
}

func TestLookupEmptyResultIsNotAnError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total": 0, "samples": []}`))
	}))

	result, err := client.Lookup(context.Background(), "gacyqob.com")
	require.NoError(t, err)
	_, ok := result.FirstTag()
	assert.False(t, ok)
}

func TestLookupMalformedBodyIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total": `))
	}))

	_, err := client.Lookup(context.Background(), "zief.pl")
	assert.ErrorIs(t, err, feed.ErrTransient)
}

func TestLookupEmptyBodyIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	_, err := client.Lookup(context.Background(), "zief.pl")
	assert.ErrorIs(t, err, feed.ErrTransient)
}

func TestLookupServerErrorIsTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Lookup(context.Background(), "zief.pl")
	assert.ErrorIs(t, err, feed.ErrTransient)
}

func TestRateLimitBucketsAreDistinguished(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"daily bucket", `{"message": "daily point bucket exceeded", "bucket": "daily"}`, ErrDailyQuota},
		{"minute bucket", `{"message": "per-minute bucket exceeded", "bucket": "minute"}`, feed.ErrTransient},
		{"daily by message", `{"message": "Daily allowance used up"}`, ErrDailyQuota},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(tc.body))
			}))

			_, err := client.Lookup(context.Background(), "zief.pl")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchTagNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "no such tag"}`))
	}))

	_, err := client.FetchTag(context.Background(), "Nonexistent")
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestRemainingPoints(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/account", r.URL.Path)
		w.Write([]byte(`{"daily_points_remaining": 24, "unlimited": false}`))
	}))

	points, err := client.RemainingPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 24, points)

	unlimited, err := client.Unlimited(context.Background())
	require.NoError(t, err)
	assert.False(t, unlimited)
}

func TestAPIKeyHeaderIsSent(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Write([]byte(`{"total": 0, "samples": []}`))
	}))
	t.Cleanup(server.Close)

	client := NewClient(&ClientConfig{BaseURL: server.URL, APIKey: "secret"}, nil)
	_, err := client.Lookup(context.Background(), "zief.pl")
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
}
