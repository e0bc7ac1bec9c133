package intel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seclens/blocktrack/pkg/feed"
)

// TombstoneClass marks a cached tag the remote service explicitly does
// not know, so unknown tags are not re-fetched on every access.
const TombstoneClass = "Tag not found"

// TagRecord is the GORM model for one cached tag's metadata.
type TagRecord struct {
	TagName       string    `gorm:"primaryKey;column:tag_name"`
	PublicTagName string    `gorm:"column:public_tag_name"`
	TagClass      string    `gorm:"column:tag_class"`
	TagGroup      string    `gorm:"column:tag_group;not null;default:Undefined"`
	Description   string    `gorm:"column:description"`
	Source        string    `gorm:"column:source"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (TagRecord) TableName() string { return "tag_records" }

// Tombstone reports whether this entry records an unknown tag.
func (t *TagRecord) Tombstone() bool { return t.TagClass == TombstoneClass }

// CacheConfig controls tag cache freshness.
type CacheConfig struct {
	// MaxAge is how old an entry may be before the next access triggers
	// a refetch. Stale entries still serve as fallback when the refetch
	// fails transiently.
	MaxAge time.Duration
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{MaxAge: 30 * 24 * time.Hour}
}

// CacheConfigFromEnv loads cache settings from
// BLOCKTRACK_TAG_MAX_AGE_HOURS.
func CacheConfigFromEnv() *CacheConfig {
	cfg := DefaultCacheConfig()
	if v := os.Getenv("BLOCKTRACK_TAG_MAX_AGE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.MaxAge = time.Duration(hours) * time.Hour
		}
	}
	return cfg
}

// TagCache serves tag metadata from the local store, refreshing stale
// entries from the remote service on access. Concurrent writers for
// the same tag race harmlessly: last write wins, which is fine because
// staleness, not exactness, is the consistency model here.
type TagCache struct {
	db     *gorm.DB
	client *Client
	cfg    *CacheConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewTagCache creates a TagCache backed by the given database and
// remote client.
func NewTagCache(db *gorm.DB, client *Client, cfg *CacheConfig, logger *slog.Logger) *TagCache {
	if cfg == nil {
		cfg = DefaultCacheConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TagCache{db: db, client: client, cfg: cfg, logger: logger, now: time.Now}
}

// AutoMigrate creates or updates the tag_records table.
func (c *TagCache) AutoMigrate() error {
	if err := c.db.AutoMigrate(&TagRecord{}); err != nil {
		return fmt.Errorf("auto-migrate tag_records: %w", err)
	}
	return nil
}

// LookupOrFetch returns metadata for one tag. Fresh cache entries are
// served directly. Stale or missing entries trigger one remote fetch;
// on success the entry is overwritten (created_at kept from the first
// write), on an explicit not-found a tombstone is stored, and on
// transient failure a stale entry is returned as a degraded fallback.
// Only when there is no cached entry at all does the error propagate.
func (c *TagCache) LookupOrFetch(ctx context.Context, tagName string) (*TagRecord, error) {
	if tagName == "" {
		return nil, fmt.Errorf("lookup tag: empty name: %w", feed.ErrStructuralFormat)
	}

	cached, err := c.get(ctx, tagName)
	if err != nil && !errors.Is(err, feed.ErrNotFound) {
		return nil, err
	}
	if cached != nil && c.now().Sub(cached.UpdatedAt) < c.cfg.MaxAge {
		return cached, nil
	}

	tag, fetchErr := c.client.FetchTag(ctx, tagName)
	switch {
	case fetchErr == nil:
		record := recordFromTag(tag)
		if err := c.put(ctx, record); err != nil {
			return nil, err
		}
		return record, nil

	case errors.Is(fetchErr, feed.ErrNotFound):
		record := &TagRecord{
			TagName:  tagName,
			TagClass: TombstoneClass,
			TagGroup: UndefinedGroup,
		}
		if err := c.put(ctx, record); err != nil {
			return nil, err
		}
		return record, nil

	default:
		if cached != nil {
			c.logger.Warn("tag refresh failed, serving stale entry",
				"tag", tagName, "error", fetchErr)
			return cached, nil
		}
		return nil, fetchErr
	}
}

func (c *TagCache) get(ctx context.Context, tagName string) (*TagRecord, error) {
	var record TagRecord
	err := c.db.WithContext(ctx).Where("tag_name = ?", tagName).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tag %s: %w", tagName, feed.ErrNotFound)
		}
		return nil, fmt.Errorf("load cached tag: %v: %w", err, feed.ErrTransient)
	}
	return &record, nil
}

// put upserts a tag entry. created_at is set only on first creation;
// updated_at refreshes on every write so freshness checks see it.
func (c *TagCache) put(ctx context.Context, record *TagRecord) error {
	now := c.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tag_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"public_tag_name", "tag_class", "tag_group",
				"description", "source", "updated_at",
			}),
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("store tag %s: %v: %w", record.TagName, err, feed.ErrTransient)
	}
	return nil
}

// recordFromTag flattens the remote tag payload into a cache entry.
// The source is the prefix of the public tag name before the first
// dot, mirroring how the feed attributes tags to vendors.
func recordFromTag(tag *Tag) *TagRecord {
	group := UndefinedGroup
	if len(tag.Groups) > 0 && tag.Groups[0] != "" {
		group = tag.Groups[0]
	}
	source, _, _ := strings.Cut(tag.PublicName, ".")
	return &TagRecord{
		TagName:       tag.Name,
		PublicTagName: tag.PublicName,
		TagClass:      tag.Class,
		TagGroup:      group,
		Description:   tag.Description,
		Source:        source,
	}
}
