package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// scanBatchSize is the page size for the restartable unenriched scan.
const scanBatchSize = 200

// DomainStore persists per-(domain, version) indicator records. Writes
// are idempotent upserts keyed by that pair, so re-running ingestion
// for a version never duplicates records.
type DomainStore struct {
	db       *gorm.DB
	versions *VersionStore
	retry    Retry
}

// NewDomainStore creates a DomainStore. The version store is consulted
// for completeness checks.
func NewDomainStore(db *gorm.DB, versions *VersionStore) *DomainStore {
	return &DomainStore{db: db, versions: versions, retry: BoundedRetry()}
}

// AutoMigrate creates or updates the domain_records and
// version_manifests tables.
func (s *DomainStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&DomainRecord{}, &VersionManifest{}); err != nil {
		return fmt.Errorf("auto-migrate domain records: %w", err)
	}
	return nil
}

// IsVersionComplete reports whether a version's indicator collection
// was fully written: the version must have reached Parsed (or later)
// and its completeness manifest must be set. Either signal alone means
// a prior run died partway through.
func (s *DomainStore) IsVersionComplete(ctx context.Context, versionID string) (bool, error) {
	status, err := s.versions.Status(ctx, versionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if status < StatusParsed {
		return false, nil
	}

	var manifest VersionManifest
	err = s.db.WithContext(ctx).Where("version_id = ?", versionID).First(&manifest).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, classifyStoreErr("load manifest", err)
	}
	return manifest.Complete, nil
}

// BeginVersion prepares a version for a fresh write. Any records left
// behind by a crashed prior attempt are deleted wholesale together
// with the stale manifest, so partial data never mixes with the new
// write.
func (s *DomainStore) BeginVersion(ctx context.Context, versionID string) error {
	return s.retry.Do(ctx, func() error {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("version_id = ?", versionID).Delete(&DomainRecord{}).Error; err != nil {
				return err
			}
			return tx.Where("version_id = ?", versionID).Delete(&VersionManifest{}).Error
		})
		if err != nil {
			return classifyStoreErr("begin version", err)
		}
		return nil
	})
}

// MarkVersionComplete sets the completeness manifest once every
// indicator group of the version has been written.
func (s *DomainStore) MarkVersionComplete(ctx context.Context, versionID string, addedCount, removedCount int) error {
	manifest := VersionManifest{
		VersionID:    versionID,
		Complete:     true,
		AddedCount:   addedCount,
		RemovedCount: removedCount,
	}
	return s.retry.Do(ctx, func() error {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "version_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"complete", "added_count", "removed_count", "updated_at"}),
			}).
			Create(&manifest).Error
		if err != nil {
			return classifyStoreErr("mark version complete", err)
		}
		return nil
	})
}

// Upsert writes or overwrites a record keyed by (domain, version).
// Transient failures are retried; a write rejected for a schema or
// shape reason surfaces as ErrStructuralFormat without retry, since
// that means the release-note format itself changed.
func (s *DomainStore) Upsert(ctx context.Context, record *DomainRecord) error {
	if record.Domain == "" || record.VersionID == "" {
		return fmt.Errorf("upsert record: missing domain or version: %w", ErrStructuralFormat)
	}
	return s.retry.Do(ctx, func() error {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "domain"}, {Name: "version_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"raw", "header", "threat_type", "threat_name",
					"action", "record_date", "updated_at",
				}),
			}).
			Create(record).Error
		if err != nil {
			return classifyStoreErr("upsert domain record", err)
		}
		return nil
	})
}

// UnenrichedFilter narrows the candidate scan for enrichment.
type UnenrichedFilter struct {
	VersionID     string // only this version; empty means all versions
	ExcludeHeader string // skip records with this category header
}

// ScanUnenriched walks all records still awaiting enrichment in stable
// batches, invoking fn for each. Returning false from fn stops the
// scan. The scan is read-only and restartable; ordering is not
// guaranteed.
func (s *DomainStore) ScanUnenriched(ctx context.Context, filter UnenrichedFilter, fn func(DomainRecord) bool) error {
	query := s.db.WithContext(ctx).Where("processed = ?", ProcessedNone)
	if filter.VersionID != "" {
		query = query.Where("version_id = ?", filter.VersionID)
	}
	if filter.ExcludeHeader != "" {
		query = query.Where("header <> ?", filter.ExcludeHeader)
	}

	var batch []DomainRecord
	result := query.FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
		for _, record := range batch {
			if !fn(record) {
				return errScanStopped
			}
		}
		return nil
	})
	if result.Error != nil && !errors.Is(result.Error, errScanStopped) {
		// A canceled context is a clean stop, not a scan failure.
		if ctx.Err() != nil {
			return nil
		}
		return classifyStoreErr("scan unenriched", result.Error)
	}
	return nil
}

// errScanStopped terminates FindInBatches early when the consumer has
// had enough; it never escapes ScanUnenriched.
var errScanStopped = errors.New("scan stopped")

// CountUnenriched reports how many records still await enrichment.
func (s *DomainStore) CountUnenriched(ctx context.Context, filter UnenrichedFilter) (int64, error) {
	query := s.db.WithContext(ctx).Model(&DomainRecord{}).Where("processed = ?", ProcessedNone)
	if filter.VersionID != "" {
		query = query.Where("version_id = ?", filter.VersionID)
	}
	if filter.ExcludeHeader != "" {
		query = query.Where("header <> ?", filter.ExcludeHeader)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, classifyStoreErr("count unenriched", err)
	}
	return count, nil
}

// EnrichmentResult carries the outcome of one domain lookup back into
// the store.
type EnrichmentResult struct {
	Status        ProcessedStatus
	TagName       string
	PublicTagName string
	TagClass      string
	TagGroup      string
	Description   string
	Source        string
}

// ApplyEnrichment transitions a record out of ProcessedNone. The update
// is guarded on the record still being unprocessed: if another process
// got there first, ErrConflict is returned and the caller must not
// retry — the record is already handled.
func (s *DomainStore) ApplyEnrichment(ctx context.Context, recordID uint, result EnrichmentResult) error {
	if result.Status == ProcessedNone {
		return fmt.Errorf("apply enrichment: status must advance: %w", ErrStructuralFormat)
	}
	updates := map[string]any{
		"processed":       result.Status,
		"tag_name":        result.TagName,
		"public_tag_name": result.PublicTagName,
		"tag_class":       result.TagClass,
		"tag_group":       result.TagGroup,
		"description":     result.Description,
		"source":          result.Source,
	}
	res := s.db.WithContext(ctx).Model(&DomainRecord{}).
		Where("id = ? AND processed = ?", recordID, ProcessedNone).
		Updates(updates)
	if res.Error != nil {
		return classifyStoreErr("apply enrichment", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record %d already enriched: %w", recordID, ErrConflict)
	}
	return nil
}

// Get retrieves a record by its surrogate id.
func (s *DomainStore) Get(ctx context.Context, recordID uint) (*DomainRecord, error) {
	var record DomainRecord
	if err := s.db.WithContext(ctx).First(&record, recordID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("record %d: %w", recordID, ErrNotFound)
		}
		return nil, classifyStoreErr("get domain record", err)
	}
	return &record, nil
}

// History returns every occurrence of a domain across all versions,
// ordered by record date ascending.
func (s *DomainStore) History(ctx context.Context, domain string) ([]DomainRecord, error) {
	var records []DomainRecord
	err := s.db.WithContext(ctx).
		Where("domain = ?", domain).
		Order("record_date ASC").
		Find(&records).Error
	if err != nil {
		return nil, classifyStoreErr("domain history", err)
	}
	return records, nil
}

// MostRecentBefore returns the latest occurrence of a domain strictly
// earlier than the given date, or ErrNotFound when the domain has no
// prior history.
func (s *DomainStore) MostRecentBefore(ctx context.Context, domain string, before time.Time) (*DomainRecord, error) {
	var record DomainRecord
	err := s.db.WithContext(ctx).
		Where("domain = ? AND record_date < ?", domain, before).
		Order("record_date DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no prior occurrence of %s: %w", domain, ErrNotFound)
		}
		return nil, classifyStoreErr("most recent before", err)
	}
	return &record, nil
}

// ScanUnclassified walks records whose repeat status has not been
// computed yet, in batches, invoking fn for each.
func (s *DomainStore) ScanUnclassified(ctx context.Context, fn func(DomainRecord) bool) error {
	var batch []DomainRecord
	result := s.db.WithContext(ctx).
		Where("repeat_status = ?", RepeatUnknown).
		FindInBatches(&batch, scanBatchSize, func(tx *gorm.DB, _ int) error {
			for _, record := range batch {
				if !fn(record) {
					return errScanStopped
				}
			}
			return nil
		})
	if result.Error != nil && !errors.Is(result.Error, errScanStopped) {
		if ctx.Err() != nil {
			return nil
		}
		return classifyStoreErr("scan unclassified", result.Error)
	}
	return nil
}

// ApplyIntervals records the repeat classification and any computed
// residence or reinsert interval. Bounded transient retry; a record
// classified concurrently is left alone.
func (s *DomainStore) ApplyIntervals(ctx context.Context, recordID uint, status RepeatStatus, reinsert, residence *int) error {
	if status == RepeatUnknown {
		return fmt.Errorf("apply intervals: status must advance: %w", ErrStructuralFormat)
	}
	return s.retry.Do(ctx, func() error {
		res := s.db.WithContext(ctx).Model(&DomainRecord{}).
			Where("id = ? AND repeat_status = ?", recordID, RepeatUnknown).
			Updates(map[string]any{
				"repeat_status": status,
				"reinsert":      reinsert,
				"residence":     residence,
			})
		if res.Error != nil {
			return classifyStoreErr("apply intervals", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("record %d already classified: %w", recordID, ErrConflict)
		}
		return nil
	})
}

// VersionRecords returns all records of one version, ordered by domain.
func (s *DomainStore) VersionRecords(ctx context.Context, versionID string) ([]DomainRecord, error) {
	var records []DomainRecord
	err := s.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("domain ASC").
		Find(&records).Error
	if err != nil {
		return nil, classifyStoreErr("version records", err)
	}
	return records, nil
}

// Domains returns the distinct domain strings seen across all versions.
func (s *DomainStore) Domains(ctx context.Context) ([]string, error) {
	var domains []string
	err := s.db.WithContext(ctx).Model(&DomainRecord{}).
		Distinct("domain").
		Order("domain ASC").
		Pluck("domain", &domains).Error
	if err != nil {
		return nil, classifyStoreErr("distinct domains", err)
	}
	return domains, nil
}
