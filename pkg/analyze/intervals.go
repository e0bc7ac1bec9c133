// Package analyze computes temporal statistics over the domain record
// history: first-seen/repeat classification, residence and reinsert
// intervals, and per-domain aggregates.
package analyze

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seclens/blocktrack/pkg/feed"
)

// Analyzer classifies domain occurrences against their own history and
// fills in residence/reinsert intervals. It runs independently of
// ingestion and enrichment at any time; every write is scoped to a
// single record and guarded, so re-running is always safe.
type Analyzer struct {
	store  *feed.DomainStore
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(store *feed.DomainStore, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{store: store, logger: logger}
}

// RunStats summarizes one analyzer pass.
type RunStats struct {
	Classified int `json:"classified"`
	FirstSeen  int `json:"firstSeen"`
	Repeats    int `json:"repeats"`
	Conflicts  int `json:"conflicts"`
}

// Run classifies every record whose repeat status is still unknown.
// A record with no earlier occurrence of the same domain is FirstSeen;
// otherwise it is a repeat and the day interval to the most recent
// prior occurrence is stored as reinsert (current action added) or
// residence (current action removed).
func (a *Analyzer) Run(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{}
	var walkErr error

	err := a.store.ScanUnclassified(ctx, func(record feed.DomainRecord) bool {
		if err := a.classify(ctx, record, stats); err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if err != nil {
		return stats, err
	}
	if walkErr != nil {
		return stats, walkErr
	}

	a.logger.Info("interval pass finished",
		"classified", stats.Classified,
		"firstSeen", stats.FirstSeen,
		"repeats", stats.Repeats,
		"conflicts", stats.Conflicts)
	return stats, nil
}

func (a *Analyzer) classify(ctx context.Context, record feed.DomainRecord, stats *RunStats) error {
	prior, err := a.store.MostRecentBefore(ctx, record.Domain, record.RecordDate)
	switch {
	case errors.Is(err, feed.ErrNotFound):
		return a.apply(ctx, record.ID, feed.RepeatFirstSeen, nil, nil, stats, func() {
			stats.FirstSeen++
		})
	case err != nil:
		return err
	}

	interval := DayInterval(prior.RecordDate, record.RecordDate)
	var reinsert, residence *int
	if record.Action == feed.ActionAdded {
		// Last seen on a removal; the gap is how long the domain stayed
		// off the list before being re-added.
		reinsert = &interval
	} else {
		// Last seen on an addition; the gap is how long the domain
		// stayed blocked.
		residence = &interval
	}
	return a.apply(ctx, record.ID, feed.RepeatSeenAgain, reinsert, residence, stats, func() {
		stats.Repeats++
	})
}

func (a *Analyzer) apply(ctx context.Context, recordID uint, status feed.RepeatStatus, reinsert, residence *int, stats *RunStats, onSuccess func()) error {
	err := a.store.ApplyIntervals(ctx, recordID, status, reinsert, residence)
	if err != nil {
		if errors.Is(err, feed.ErrConflict) {
			// Classified concurrently; leave it alone.
			stats.Conflicts++
			return nil
		}
		return err
	}
	stats.Classified++
	onSuccess()
	return nil
}

// DayInterval returns the absolute difference between two dates in
// whole days, tolerant of either argument coming first.
func DayInterval(a, b time.Time) int {
	diff := b.Sub(a)
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}
