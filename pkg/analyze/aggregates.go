package analyze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seclens/blocktrack/pkg/feed"
)

// DomainAggregate is the GORM model for per-domain running statistics
// across the full history: how often the domain appeared and its mean
// residence/reinsert times.
type DomainAggregate struct {
	Domain       string    `gorm:"primaryKey;column:domain"`
	TotalCount   int       `gorm:"column:total_count;not null"`
	ResidenceAvg *float64  `gorm:"column:residence_avg"`
	ReinsertAvg  *float64  `gorm:"column:reinsert_avg"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (DomainAggregate) TableName() string { return "domain_aggregates" }

// Aggregator recomputes per-domain aggregates from the record history.
type Aggregator struct {
	db     *gorm.DB
	store  *feed.DomainStore
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(db *gorm.DB, store *feed.DomainStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{db: db, store: store, logger: logger}
}

// AutoMigrate creates or updates the domain_aggregates table.
func (a *Aggregator) AutoMigrate() error {
	if err := a.db.AutoMigrate(&DomainAggregate{}); err != nil {
		return fmt.Errorf("auto-migrate domain_aggregates: %w", err)
	}
	return nil
}

// Run walks every domain with at least two occurrences and writes its
// aggregate. Consecutive events are paired up by date: the gap after
// an addition counts toward residence, the gap after a removal toward
// reinsert.
func (a *Aggregator) Run(ctx context.Context) (int, error) {
	domains, err := a.store.Domains(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, domain := range domains {
		history, err := a.store.History(ctx, domain)
		if err != nil {
			return written, err
		}
		if len(history) < 2 {
			continue
		}

		aggregate := aggregateHistory(domain, history)
		if err := a.put(ctx, aggregate); err != nil {
			return written, err
		}
		written++
	}

	a.logger.Info("aggregation finished", "domains", written)
	return written, nil
}

// Get returns the aggregate for one domain, or feed.ErrNotFound.
func (a *Aggregator) Get(ctx context.Context, domain string) (*DomainAggregate, error) {
	var aggregate DomainAggregate
	err := a.db.WithContext(ctx).Where("domain = ?", domain).First(&aggregate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("aggregate for %s: %w", domain, feed.ErrNotFound)
		}
		return nil, fmt.Errorf("get aggregate: %v: %w", err, feed.ErrTransient)
	}
	return &aggregate, nil
}

func (a *Aggregator) put(ctx context.Context, aggregate *DomainAggregate) error {
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "domain"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_count", "residence_avg", "reinsert_avg", "updated_at",
			}),
		}).
		Create(aggregate).Error
	if err != nil {
		return fmt.Errorf("store aggregate %s: %v: %w", aggregate.Domain, err, feed.ErrTransient)
	}
	return nil
}

// aggregateHistory folds a domain's dated events into an aggregate.
func aggregateHistory(domain string, history []feed.DomainRecord) *DomainAggregate {
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].RecordDate.Before(history[j].RecordDate)
	})

	var residences, reinserts []int
	for i := 0; i < len(history)-1; i++ {
		interval := DayInterval(history[i].RecordDate, history[i+1].RecordDate)
		if history[i].Action == feed.ActionAdded {
			residences = append(residences, interval)
		} else {
			reinserts = append(reinserts, interval)
		}
	}

	aggregate := &DomainAggregate{
		Domain:     domain,
		TotalCount: len(history),
	}
	if len(residences) > 0 {
		avg := mean(residences)
		aggregate.ResidenceAvg = &avg
	}
	if len(reinserts) > 0 {
		avg := mean(reinserts)
		aggregate.ReinsertAvg = &avg
	}
	return aggregate
}

func mean(values []int) float64 {
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}
