package engine

import (
	"context"
	"time"
)

// Adapter is the uniform capability contract around one external content
// source. Implementations declare their supported subset via Capabilities;
// calling an undeclared capability returns an AdapterCallError.
type Adapter interface {
	Name() string
	Tier() Tier
	Capabilities() []Capability

	Search(ctx context.Context, q SearchQuery) (SearchPage, error)
	GetDetails(ctx context.Context, sourceID string) (SeriesRecord, error)
	GetChapterList(ctx context.Context, sourceID string, page, limit int) (ChapterPage, error)
	GetPageList(ctx context.Context, sourceID, chapterID string) ([]string, error)
	HealthProbe(ctx context.Context, timeout time.Duration) ProbeResult
}

// EntryStore persists canonical entries and their cross-references.
type EntryStore interface {
	UpsertEntry(ctx context.Context, entry CanonicalEntry) error
	GetEntry(ctx context.Context, indexer, sourceID string) (CanonicalEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]CanonicalEntry, error)
}

// EntryFilter narrows ListEntries results.
type EntryFilter struct {
	Indexer      string
	Tier         Tier
	RefreshDueAt time.Time
	Limit        int
}

// HealthStore persists adapter health records.
type HealthStore interface {
	UpsertHealth(ctx context.Context, record HealthRecord) error
	GetHealth(ctx context.Context, adapter string) (HealthRecord, error)
	ListHealth(ctx context.Context) ([]HealthRecord, error)
}

// BlobStore writes downloaded artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events to an external notification boundary.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (swappable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
