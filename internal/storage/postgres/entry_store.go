package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// EntryStore persists canonical entries in Postgres. The full entry is kept
// as a jsonb document; the columns used for filtering and refresh scheduling
// are denormalized beside it.
type EntryStore struct {
	pool Pool
}

// NewEntryStore constructs an EntryStore over an existing pool.
func NewEntryStore(pool Pool) (*EntryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &EntryStore{pool: pool}, nil
}

// UpsertEntry inserts or replaces a canonical entry.
func (s *EntryStore) UpsertEntry(ctx context.Context, entry engine.CanonicalEntry) error {
	if entry.Indexer == "" || entry.SourceID == "" {
		return fmt.Errorf("entry indexer and source id are required")
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	query := `
INSERT INTO entries (
	indexer, source_id, title, source_tier, confidence,
	last_refreshed, refresh_interval_seconds, doc
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (indexer, source_id) DO UPDATE SET
	title = EXCLUDED.title,
	source_tier = EXCLUDED.source_tier,
	confidence = EXCLUDED.confidence,
	last_refreshed = EXCLUDED.last_refreshed,
	refresh_interval_seconds = EXCLUDED.refresh_interval_seconds,
	doc = EXCLUDED.doc`

	_, err = s.pool.Exec(ctx, query,
		entry.Indexer, entry.SourceID, entry.Title, int(entry.SourceTier), entry.Confidence,
		entry.LastRefreshed, int64(entry.RefreshInterval/time.Second), doc,
	)
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// GetEntry loads one canonical entry by its source-of-record key.
func (s *EntryStore) GetEntry(ctx context.Context, indexer, sourceID string) (engine.CanonicalEntry, error) {
	query := `SELECT doc FROM entries WHERE indexer = $1 AND source_id = $2`

	var doc []byte
	err := s.pool.QueryRow(ctx, query, indexer, sourceID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.CanonicalEntry{}, fmt.Errorf("entry %s/%s: %w", indexer, sourceID, engine.ErrNotFound)
		}
		return engine.CanonicalEntry{}, fmt.Errorf("get entry: %w", err)
	}
	return unmarshalEntry(doc)
}

// ListEntries returns entries matching the filter, ordered by tier then title.
func (s *EntryStore) ListEntries(ctx context.Context, filter engine.EntryFilter) ([]engine.CanonicalEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var refreshDue *time.Time
	if !filter.RefreshDueAt.IsZero() {
		refreshDue = &filter.RefreshDueAt
	}
	query := `
SELECT doc
FROM entries
WHERE ($1 = '' OR indexer = $1)
  AND ($2 = 0 OR source_tier = $2)
  AND ($3::timestamptz IS NULL
       OR last_refreshed IS NULL
       OR last_refreshed + refresh_interval_seconds * interval '1 second' <= $3)
ORDER BY source_tier, title
LIMIT $4`

	rows, err := s.pool.Query(ctx, query, filter.Indexer, int(filter.Tier), refreshDue, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []engine.CanonicalEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		entry, err := unmarshalEntry(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

func unmarshalEntry(doc []byte) (engine.CanonicalEntry, error) {
	var entry engine.CanonicalEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return engine.CanonicalEntry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return entry, nil
}
