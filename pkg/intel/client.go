// Package intel talks to the external threat-intelligence service:
// domain lookups, tag metadata fetches, and the account quota poll.
// Tag metadata is cached locally with TTL freshness (see TagCache).
package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seclens/blocktrack/pkg/feed"
)

// Point costs agreed with the external service. A domain lookup is
// coarse-grained: its cost already amortizes any secondary tag fetches
// the enrichment of that domain triggers.
const (
	CostPerLookup   = 12
	CostPerTagFetch = 2
)

// UndefinedGroup is the sentinel tag group used when the remote
// service returns no group for a tag.
const UndefinedGroup = "Undefined"

// ErrDailyQuota marks the daily point bucket being exhausted. It is a
// normal stopping condition for an enrichment cycle, not a failure.
// The per-minute bucket exhausting is transient instead: waiting and
// retrying fixes it.
var ErrDailyQuota = errors.New("daily quota exhausted")

// Tag is the classification metadata attached to a sample.
type Tag struct {
	Name        string   `json:"name"`
	PublicName  string   `json:"publicName"`
	Class       string   `json:"class"`
	Groups      []string `json:"groups"`
	Description string   `json:"description"`
}

// Sample is one malware sample associated with a looked-up domain.
type Sample struct {
	Tags []Tag `json:"tags"`
}

// LookupResult is the service's answer for one domain.
type LookupResult struct {
	Total   int      `json:"total"`
	Samples []Sample `json:"samples"`
}

// FirstTag returns the first tag attached to any sample, or false when
// the result carries no tags at all. An empty result is a normal
// branch, not an error.
func (r *LookupResult) FirstTag() (Tag, bool) {
	for _, sample := range r.Samples {
		if len(sample.Tags) > 0 {
			return sample.Tags[0], true
		}
	}
	return Tag{}, false
}

// rateLimitBody is the shape of the service's 429 responses. The
// bucket field distinguishes the daily allowance from the per-minute
// throttle.
type rateLimitBody struct {
	Message string `json:"message"`
	Bucket  string `json:"bucket"`
}

// accountBody is the shape of the account status poll.
type accountBody struct {
	DailyPointsRemaining int  `json:"daily_points_remaining"`
	Unlimited            bool `json:"unlimited"`
}

// ClientConfig holds connection settings for the intel service.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: "https://intel.example.com/api",
		Timeout: 30 * time.Second,
	}
}

// ClientConfigFromEnv loads client settings from environment variables:
// BLOCKTRACK_INTEL_URL, BLOCKTRACK_INTEL_API_KEY,
// BLOCKTRACK_INTEL_TIMEOUT_SECONDS.
func ClientConfigFromEnv() *ClientConfig {
	cfg := DefaultClientConfig()
	if v := os.Getenv("BLOCKTRACK_INTEL_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("BLOCKTRACK_INTEL_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("BLOCKTRACK_INTEL_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Timeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

// Client is an HTTP client for the threat-intelligence service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg *ClientConfig, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Lookup asks the service about one domain. Transport errors, empty
// bodies and malformed JSON are all transient: a failed lookup must
// never be mistaken for "no data". A 429 is either the daily bucket
// (ErrDailyQuota) or the per-minute bucket (transient).
func (c *Client) Lookup(ctx context.Context, domain string) (*LookupResult, error) {
	body, err := c.get(ctx, "/v1/domains/"+domain)
	if err != nil {
		return nil, err
	}

	var result LookupResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("lookup %s: malformed response: %w", domain, feed.ErrTransient)
	}
	return &result, nil
}

// FetchTag retrieves full metadata for one tag. An explicit not-found
// answer surfaces as feed.ErrNotFound so callers can tombstone it.
func (c *Client) FetchTag(ctx context.Context, tagName string) (*Tag, error) {
	body, err := c.get(ctx, "/v1/tags/"+tagName)
	if err != nil {
		return nil, err
	}

	var tag Tag
	if err := json.Unmarshal(body, &tag); err != nil {
		return nil, fmt.Errorf("fetch tag %s: malformed response: %w", tagName, feed.ErrTransient)
	}
	if tag.Name == "" {
		tag.Name = tagName
	}
	return &tag, nil
}

// RemainingPoints polls the account status endpoint for the daily
// point allowance still available.
func (c *Client) RemainingPoints(ctx context.Context) (int, error) {
	account, err := c.account(ctx)
	if err != nil {
		return 0, err
	}
	return account.DailyPointsRemaining, nil
}

// Unlimited reports whether the account has no daily quota. Unlimited
// accounts also enrich generic-category records.
func (c *Client) Unlimited(ctx context.Context) (bool, error) {
	account, err := c.account(ctx)
	if err != nil {
		return false, err
	}
	return account.Unlimited, nil
}

func (c *Client) account(ctx context.Context) (*accountBody, error) {
	body, err := c.get(ctx, "/v1/account")
	if err != nil {
		return nil, err
	}
	var account accountBody
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("account status: malformed response: %w", feed.ErrTransient)
	}
	return &account, nil
}

// get performs a GET against the service and maps the response status
// onto the pipeline error kinds.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, feed.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, feed.ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if len(body) == 0 {
			return nil, fmt.Errorf("%s: empty response: %w", path, feed.ErrTransient)
		}
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, feed.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		var limit rateLimitBody
		_ = json.Unmarshal(body, &limit)
		if limit.Bucket == "daily" || strings.Contains(strings.ToLower(limit.Message), "daily") {
			return nil, fmt.Errorf("%s: %w", path, ErrDailyQuota)
		}
		c.logger.Warn("per-minute rate limit hit", "path", path)
		return nil, fmt.Errorf("%s: minute bucket exceeded: %w", path, feed.ErrTransient)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, feed.ErrTransient)
	default:
		return nil, fmt.Errorf("%s: unexpected status %d: %w", path, resp.StatusCode, feed.ErrStructuralFormat)
	}
}
