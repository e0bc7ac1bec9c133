// Package enrich drains unenriched domain records through the external
// threat-intelligence service under a hard daily point budget.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seclens/blocktrack/pkg/feed"
	"github.com/seclens/blocktrack/pkg/intel"
)

// GenericHeader is the category excluded from enrichment on
// quota-limited accounts; generic records rarely carry tags and would
// burn points for nothing.
const GenericHeader = "generic"

// SchedulerConfig controls the enrichment worker pool.
type SchedulerConfig struct {
	Workers         int    // concurrent lookup workers; default: available parallelism
	QueueDepth      int    // bounded candidate queue; default 2*Workers
	CostPerLookup   int    // points per domain lookup; default intel.CostPerLookup
	ExcludeHeader   string // category skipped on quota-limited accounts
	AdvanceVersions bool   // advance fully-drained versions to Enriched
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	workers := runtime.NumCPU()
	return &SchedulerConfig{
		Workers:       workers,
		QueueDepth:    2 * workers,
		CostPerLookup: intel.CostPerLookup,
		ExcludeHeader: GenericHeader,
	}
}

// SchedulerConfigFromEnv loads scheduler settings from environment
// variables: BLOCKTRACK_ENRICH_WORKERS, BLOCKTRACK_ENRICH_QUEUE_DEPTH,
// BLOCKTRACK_ENRICH_ADVANCE_VERSIONS.
func SchedulerConfigFromEnv() *SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	if v := os.Getenv("BLOCKTRACK_ENRICH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
			cfg.QueueDepth = 2 * n
		}
	}
	if v := os.Getenv("BLOCKTRACK_ENRICH_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueDepth = n
		}
	}
	if v := os.Getenv("BLOCKTRACK_ENRICH_ADVANCE_VERSIONS"); v != "" {
		cfg.AdvanceVersions, _ = strconv.ParseBool(v)
	}
	return cfg
}

// CycleStats summarizes one enrichment cycle.
type CycleStats struct {
	CycleID        string        `json:"cycleId"`
	Dispatched     int           `json:"dispatched"`
	WithTag        int           `json:"withTag"`
	NoTag          int           `json:"noTag"`
	Conflicts      int           `json:"conflicts"`
	QuotaExhausted bool          `json:"quotaExhausted"`
	Remaining      int64         `json:"remaining"`
	Duration       time.Duration `json:"duration"`
}

// outcome is what a worker reports back to the stats collector.
type outcome int

const (
	outcomeWithTag outcome = iota
	outcomeNoTag
	outcomeConflict
	outcomeAbandoned
)

// Scheduler runs enrichment cycles: a fixed worker pool pulls domain
// records from a single shared cursor over the unenriched scan, looks
// each domain up, and writes the result back. The quota counter is
// owned by the dispatch loop alone; workers never touch it.
type Scheduler struct {
	store    *feed.DomainStore
	versions *feed.VersionStore
	client   *intel.Client
	tags     *intel.TagCache
	cfg      *SchedulerConfig
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(store *feed.DomainStore, versions *feed.VersionStore, client *intel.Client, tags *intel.TagCache, cfg *SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		versions: versions,
		client:   client,
		tags:     tags,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes one enrichment cycle over all unenriched records,
// optionally narrowed to one version. The cycle ends when the
// candidate stream is exhausted or the request budget runs out; quota
// exhaustion is a normal stop, and leftover candidates simply stay
// unprocessed for the next cycle.
func (s *Scheduler) Run(ctx context.Context, versionID string) (*CycleStats, error) {
	start := time.Now()
	stats := &CycleStats{CycleID: uuid.New().String()}

	unlimited, err := s.client.Unlimited(ctx)
	if err != nil {
		// Assume the conservative default when the capability poll fails.
		s.logger.Warn("account capability poll failed, assuming quota-limited", "error", err)
		unlimited = false
	}

	filter := feed.UnenrichedFilter{VersionID: versionID}
	if !unlimited {
		filter.ExcludeHeader = s.cfg.ExcludeHeader
	}

	// Translate the remaining daily points into a request budget.
	// Polled until a value arrives; the quota is external state that
	// must be known before any work is dispatched.
	requestsRemaining := -1 // unlimited
	if !unlimited {
		var points int
		err := feed.UnboundedRetry().Do(ctx, func() error {
			var pollErr error
			points, pollErr = s.client.RemainingPoints(ctx)
			return pollErr
		})
		if err != nil {
			return nil, fmt.Errorf("poll account points: %w", err)
		}
		requestsRemaining = points / s.cfg.CostPerLookup
	}

	s.logger.Info("enrichment cycle starting",
		"cycle", stats.CycleID,
		"version", versionID,
		"workers", s.cfg.Workers,
		"requestsRemaining", requestsRemaining)

	// Single producer feeds the bounded queue from the store scan. The
	// scan context lets the dispatch loop stop the producer early on
	// quota exhaustion instead of walking the rest of the table.
	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	candidates := make(chan feed.DomainRecord, s.cfg.QueueDepth)
	var scanErr error
	go func() {
		defer close(candidates)
		scanErr = s.store.ScanUnenriched(scanCtx, filter, func(record feed.DomainRecord) bool {
			select {
			case candidates <- record:
				return true
			case <-scanCtx.Done():
				return false
			}
		})
	}()

	work := make(chan feed.DomainRecord)
	outcomes := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for record := range work {
				outcomes <- s.process(ctx, workerID, record)
			}
		}(i)
	}

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for result := range outcomes {
			switch result {
			case outcomeWithTag:
				stats.WithTag++
			case outcomeNoTag:
				stats.NoTag++
			case outcomeConflict:
				stats.Conflicts++
			}
		}
	}()

	// Dispatch loop: the only owner of the quota counter. Each unit is
	// charged when dispatched, not when confirmed, so the real external
	// budget is never exceeded even if a worker dies mid-flight.
	for record := range candidates {
		if requestsRemaining == 0 {
			stats.QuotaExhausted = true
			s.logger.Info("request budget exhausted, halting dispatch",
				"cycle", stats.CycleID, "dispatched", stats.Dispatched)
			break
		}
		select {
		case work <- record:
			stats.Dispatched++
			if requestsRemaining > 0 {
				requestsRemaining--
			}
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()
	close(outcomes)
	<-collectorDone

	// Stop and drain the producer so its scan error is visible.
	stopScan()
	for range candidates {
	}
	if scanErr != nil {
		return stats, scanErr
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}

	stats.Remaining, err = s.store.CountUnenriched(ctx, filter)
	if err != nil {
		return stats, err
	}
	stats.Duration = time.Since(start)

	if s.cfg.AdvanceVersions && versionID != "" && stats.Remaining == 0 && !stats.QuotaExhausted {
		if err := s.versions.Advance(ctx, versionID, feed.StatusEnriched); err != nil &&
			!errors.Is(err, feed.ErrInvalidTransition) {
			return stats, err
		}
	}

	s.logger.Info("enrichment cycle finished",
		"cycle", stats.CycleID,
		"dispatched", stats.Dispatched,
		"withTag", stats.WithTag,
		"noTag", stats.NoTag,
		"conflicts", stats.Conflicts,
		"remaining", stats.Remaining,
		"quotaExhausted", stats.QuotaExhausted,
		"duration", stats.Duration.String())
	return stats, nil
}

// process enriches a single record. The lookup retries transient
// failures without bound: giving up on a flaky lookup and writing "no
// tag" would corrupt the NoTag branch. Write conflicts are the one
// place retries are suppressed — the record is already handled.
func (s *Scheduler) process(ctx context.Context, workerID int, record feed.DomainRecord) outcome {
	logger := s.logger.With("workerID", workerID, "domain", record.Domain, "version", record.VersionID)

	var lookup *intel.LookupResult
	err := feed.UnboundedRetry().Do(ctx, func() error {
		var lookupErr error
		lookup, lookupErr = s.client.Lookup(ctx, record.Domain)
		return lookupErr
	})
	if err != nil {
		// Daily quota hit mid-flight or context canceled; leave the
		// record unprocessed for the next cycle.
		logger.Warn("lookup abandoned", "error", err)
		return outcomeAbandoned
	}

	result := feed.EnrichmentResult{Status: feed.ProcessedNoTag}
	if tag, ok := lookup.FirstTag(); ok {
		var cached *intel.TagRecord
		err := feed.UnboundedRetry().Do(ctx, func() error {
			var cacheErr error
			cached, cacheErr = s.tags.LookupOrFetch(ctx, tag.Name)
			return cacheErr
		})
		if err != nil {
			logger.Warn("tag resolution abandoned", "tag", tag.Name, "error", err)
			return outcomeAbandoned
		}
		result = feed.EnrichmentResult{
			Status:        feed.ProcessedWithTag,
			TagName:       cached.TagName,
			PublicTagName: cached.PublicTagName,
			TagClass:      cached.TagClass,
			TagGroup:      cached.TagGroup,
			Description:   cached.Description,
			Source:        cached.Source,
		}
		logger.Info("tag found", "tag", cached.TagName)
	} else {
		logger.Info("no tag")
	}

	err = feed.UnboundedRetry().Do(ctx, func() error {
		return s.store.ApplyEnrichment(ctx, record.ID, result)
	})
	switch {
	case err == nil:
		if result.Status == feed.ProcessedWithTag {
			return outcomeWithTag
		}
		return outcomeNoTag
	case errors.Is(err, feed.ErrConflict):
		// Another process already enriched this record; skip without
		// retry and without touching its data.
		logger.Info("record already enriched elsewhere, skipping")
		return outcomeConflict
	default:
		logger.Error("enrichment write failed", "error", err)
		return outcomeAbandoned
	}
}
