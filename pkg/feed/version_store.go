package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VersionStore owns the lifecycle state of release versions. All
// transitions go through Advance, which enforces the forward-only
// ordering Downloaded < Parsed < Enriched.
type VersionStore struct {
	db    *gorm.DB
	retry Retry
}

// NewVersionStore creates a VersionStore with the default bounded retry
// strategy for its writes.
func NewVersionStore(db *gorm.DB) *VersionStore {
	return &VersionStore{db: db, retry: BoundedRetry()}
}

// AutoMigrate creates or updates the release_versions table.
func (s *VersionStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&ReleaseVersion{}); err != nil {
		return fmt.Errorf("auto-migrate release_versions: %w", err)
	}
	return nil
}

// RecordDownloaded creates the version record with status Downloaded if
// it does not exist yet. Calling it again for a known version is a
// successful no-op, so the downloader can re-announce versions freely.
func (s *VersionStore) RecordDownloaded(ctx context.Context, versionID string, releaseDate time.Time) error {
	if versionID == "" {
		return fmt.Errorf("%w: empty version id", ErrStructuralFormat)
	}
	record := ReleaseVersion{
		VersionID:    versionID,
		ShortVersion: shortVersion(versionID),
		ReleaseDate:  releaseDate,
		Status:       StatusDownloaded,
	}
	return s.retry.Do(ctx, func() error {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&record).Error
		if err != nil {
			return classifyStoreErr("record downloaded version", err)
		}
		return nil
	})
}

// Status returns the current lifecycle status of a version, or
// ErrNotFound when the version has never been observed.
func (s *VersionStore) Status(ctx context.Context, versionID string) (VersionStatus, error) {
	record, err := s.Get(ctx, versionID)
	if err != nil {
		return 0, err
	}
	return record.Status, nil
}

// Get retrieves the full version record.
func (s *VersionStore) Get(ctx context.Context, versionID string) (*ReleaseVersion, error) {
	var record ReleaseVersion
	err := s.db.WithContext(ctx).Where("version_id = ?", versionID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("version %s: %w", versionID, ErrNotFound)
		}
		return nil, classifyStoreErr("get version", err)
	}
	return &record, nil
}

// List returns all known versions ordered by release date descending.
func (s *VersionStore) List(ctx context.Context) ([]ReleaseVersion, error) {
	var records []ReleaseVersion
	if err := s.db.WithContext(ctx).Order("release_date DESC").Find(&records).Error; err != nil {
		return nil, classifyStoreErr("list versions", err)
	}
	return records, nil
}

// Advance moves a version to newStatus. It succeeds only when newStatus
// is strictly later than the current status; anything else fails with
// ErrInvalidTransition so callers never silently regress a version.
// Optimistic write races are retried transparently: the guarded UPDATE
// re-checks the current status, so a lost race simply re-evaluates.
func (s *VersionStore) Advance(ctx context.Context, versionID string, newStatus VersionStatus) error {
	if !newStatus.Valid() {
		return fmt.Errorf("advance %s to %d: %w", versionID, newStatus, ErrInvalidTransition)
	}
	return s.retry.Do(ctx, func() error {
		current, err := s.Status(ctx, versionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// A version we are asked to advance must already exist.
				return fmt.Errorf("advance %s: record missing: %w", versionID, ErrStructuralFormat)
			}
			return err
		}
		if newStatus <= current {
			return fmt.Errorf("advance %s: %s -> %s: %w",
				versionID, current, newStatus, ErrInvalidTransition)
		}

		// Guard on the status we just read; a concurrent writer that got
		// there first makes RowsAffected 0 and we re-check.
		result := s.db.WithContext(ctx).Model(&ReleaseVersion{}).
			Where("version_id = ? AND status = ?", versionID, current).
			Update("status", newStatus)
		if result.Error != nil {
			return classifyStoreErr("advance version", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("advance %s lost update race: %w", versionID, ErrTransient)
		}
		return nil
	})
}

// shortVersion derives the short version from a full id like
// "3026-3536" -> "3026".
func shortVersion(versionID string) string {
	for i := 0; i < len(versionID); i++ {
		if versionID[i] == '-' {
			return versionID[:i]
		}
	}
	return versionID
}
