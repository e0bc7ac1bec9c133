// Package feed owns the durable state of the ingestion pipeline: release
// version lifecycle, per-(domain, version) indicator records, and the
// coordinator that writes a parsed release note into both.
package feed

import (
	"time"
)

// VersionStatus is the lifecycle state of a release version. Transitions
// are strictly forward: Downloaded < Parsed < Enriched.
type VersionStatus int

const (
	StatusDownloaded VersionStatus = 1
	StatusParsed     VersionStatus = 2
	StatusEnriched   VersionStatus = 3
)

// String returns a human-readable status name.
func (s VersionStatus) String() string {
	switch s {
	case StatusDownloaded:
		return "downloaded"
	case StatusParsed:
		return "parsed"
	case StatusEnriched:
		return "enriched"
	}
	return "unknown"
}

// Valid reports whether s is one of the defined lifecycle states.
func (s VersionStatus) Valid() bool {
	return s >= StatusDownloaded && s <= StatusEnriched
}

// ProcessedStatus tracks whether a domain record has been enriched.
// Both enriched states are terminal; records are never re-enriched
// automatically even if the cached tag later goes stale.
type ProcessedStatus int

const (
	ProcessedNone    ProcessedStatus = 0 // not yet looked up
	ProcessedNoTag   ProcessedStatus = 1 // looked up, no tag attached
	ProcessedWithTag ProcessedStatus = 2 // looked up, tag fields populated
)

// RepeatStatus classifies a domain occurrence against its own history.
type RepeatStatus int

const (
	RepeatUnknown   RepeatStatus = 0 // not yet classified
	RepeatFirstSeen RepeatStatus = 1
	RepeatSeenAgain RepeatStatus = 2
)

// Record actions as they appear in release notes.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// ReleaseVersion is the GORM model for one dated snapshot of the
// upstream indicator feed.
type ReleaseVersion struct {
	VersionID    string        `gorm:"primaryKey;column:version_id;type:varchar(32)"`
	ShortVersion string        `gorm:"column:short_version"`
	ReleaseDate  time.Time     `gorm:"column:release_date;not null"`
	Status       VersionStatus `gorm:"column:status;not null;default:1"`
	CreatedAt    time.Time     `gorm:"column:created_at"`
	UpdatedAt    time.Time     `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (ReleaseVersion) TableName() string { return "release_versions" }

// DomainRecord is one domain's appearance (added or removed) within one
// release version. Identity is the (domain, version) pair; the same
// domain recurs across versions.
type DomainRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Domain     string    `gorm:"column:domain;uniqueIndex:idx_domain_version,priority:1;index:idx_record_domain;not null"`
	VersionID  string    `gorm:"column:version_id;uniqueIndex:idx_domain_version,priority:2;index:idx_record_version;not null"`
	Raw        string    `gorm:"column:raw;not null"`
	Header     string    `gorm:"column:header;index:idx_record_header"`
	ThreatType string    `gorm:"column:threat_type"`
	ThreatName *string   `gorm:"column:threat_name"`
	Action     string    `gorm:"column:action;not null"`
	RecordDate time.Time `gorm:"column:record_date;not null"`

	Processed ProcessedStatus `gorm:"column:processed;index:idx_record_processed;not null;default:0"`

	// Tag fields, populated only when Processed == ProcessedWithTag.
	TagName       string `gorm:"column:tag_name"`
	PublicTagName string `gorm:"column:public_tag_name"`
	TagClass      string `gorm:"column:tag_class"`
	TagGroup      string `gorm:"column:tag_group"`
	Description   string `gorm:"column:description"`
	Source        string `gorm:"column:source"`

	RepeatStatus RepeatStatus `gorm:"column:repeat_status;index:idx_record_repeat;not null;default:0"`
	Reinsert     *int         `gorm:"column:reinsert"`  // days absent before this re-add
	Residence    *int         `gorm:"column:residence"` // days present before this removal

	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (DomainRecord) TableName() string { return "domain_records" }

// Enriched reports whether the record has reached a terminal
// enrichment state.
func (r *DomainRecord) Enriched() bool {
	return r.Processed != ProcessedNone
}

// VersionManifest is the completeness marker for a version's indicator
// collection. Its presence with Complete=true means every indicator
// group of that release note was fully written; anything less is a
// partial write that gets cleared and redone on the next ingest.
type VersionManifest struct {
	VersionID    string    `gorm:"primaryKey;column:version_id;type:varchar(32)"`
	Complete     bool      `gorm:"column:complete;not null;default:false"`
	AddedCount   int       `gorm:"column:added_count"`
	RemovedCount int       `gorm:"column:removed_count"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName returns the GORM table name.
func (VersionManifest) TableName() string { return "version_manifests" }
