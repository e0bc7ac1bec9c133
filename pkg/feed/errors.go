package feed

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds shared across the pipeline. Every failure a component
// surfaces wraps exactly one of these, so callers branch on kind with
// errors.Is instead of string matching.
var (
	// ErrTransient marks timeouts, dropped connections and other
	// transport-level trouble. Always safe to retry.
	ErrTransient = errors.New("transient I/O error")

	// ErrConflict marks an optimistic write race: the record was already
	// updated by another process. Never retried; the unit of work is
	// treated as handled.
	ErrConflict = errors.New("write conflict")

	// ErrNotFound marks an absent record or tag. A normal branch, not a
	// failure.
	ErrNotFound = errors.New("not found")

	// ErrStructuralFormat marks a schema or format mismatch that retrying
	// cannot fix: the upstream release-note format itself has changed and
	// a human needs to look at it.
	ErrStructuralFormat = errors.New("structural format mismatch")

	// ErrInvalidTransition marks an attempted backward or repeated
	// version status transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Retry is an injectable retry strategy. Attempts <= 0 means retry
// without bound. Transient errors are retried; any other kind stops
// the loop immediately.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// BoundedRetry is the default strategy for ingestion-time writes.
func BoundedRetry() Retry {
	return Retry{Attempts: 5, Backoff: 500 * time.Millisecond}
}

// UnboundedRetry is the strategy for enrichment lookups, where giving
// up on a transient failure would corrupt the no-tag branch.
func UnboundedRetry() Retry {
	return Retry{Attempts: 0, Backoff: time.Second}
}

// Do runs fn until it succeeds, returns a non-transient error, the
// attempt budget runs out, or the context is canceled.
func (r Retry) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; r.Attempts <= 0 || attempt < r.Attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrTransient) {
			return err
		}
		if r.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Backoff):
			}
		}
	}
	return fmt.Errorf("retries exhausted: %w", err)
}
