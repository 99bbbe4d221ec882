package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// NeedsRefresh reports whether an entry's metadata is stale under the
// configured policy.
func (r *Resolver) NeedsRefresh(entry engine.CanonicalEntry, now time.Time) bool {
	if !r.cfg.AutoRefresh {
		return false
	}
	if entry.LastRefreshed == nil {
		return true
	}
	interval := entry.RefreshInterval
	if interval <= 0 {
		interval = r.cfg.RefreshInterval
	}
	return now.Sub(*entry.LastRefreshed) >= interval
}

// Refresh re-queries the entry's source-of-record adapter and merges the
// delta in place. The title is immutable after creation; every other field
// is overwritten, and confidence only ratchets upward.
func (r *Resolver) Refresh(ctx context.Context, indexer, sourceID string) (engine.CanonicalEntry, error) {
	entry, err := r.entries.GetEntry(ctx, indexer, sourceID)
	if err != nil {
		return engine.CanonicalEntry{}, err
	}

	record, err := r.GetDetails(ctx, indexer, sourceID)
	if err != nil {
		return engine.CanonicalEntry{}, fmt.Errorf("refresh %s/%s: %w", indexer, sourceID, err)
	}

	now := r.clock.Now()
	updated := applyRefresh(entry, record, now)
	if err := r.entries.UpsertEntry(ctx, updated); err != nil {
		return engine.CanonicalEntry{}, fmt.Errorf("persist refreshed entry: %w", err)
	}
	r.logger.Debug("entry refreshed",
		zap.String("indexer", indexer), zap.String("source_id", sourceID))
	return updated, nil
}

// RefreshDue refreshes every entry whose refresh interval has elapsed,
// returning how many were attempted and how many failed.
func (r *Resolver) RefreshDue(ctx context.Context, limit int) (attempted, failed int, err error) {
	now := r.clock.Now()
	due, err := r.entries.ListEntries(ctx, engine.EntryFilter{RefreshDueAt: now, Limit: limit})
	if err != nil {
		return 0, 0, fmt.Errorf("list stale entries: %w", err)
	}
	for _, entry := range due {
		if !r.NeedsRefresh(entry, now) {
			continue
		}
		if ctx.Err() != nil {
			return attempted, failed, ctx.Err()
		}
		attempted++
		if _, rErr := r.Refresh(ctx, entry.Indexer, entry.SourceID); rErr != nil {
			failed++
			r.logger.Warn("refresh failed",
				zap.String("indexer", entry.Indexer),
				zap.String("source_id", entry.SourceID),
				zap.Error(rErr))
		}
	}
	return attempted, failed, nil
}

// applyRefresh overwrites an entry's mutable fields from a fresh source
// record.
func applyRefresh(old engine.CanonicalEntry, record engine.SeriesRecord, now time.Time) engine.CanonicalEntry {
	out := toEntry(record)
	out.Indexer = old.Indexer
	out.SourceID = old.SourceID
	out.Title = old.Title
	out.SourceTier = old.SourceTier
	out.CrossRefs = old.CrossRefs
	out.RefreshInterval = old.RefreshInterval
	if old.Confidence > out.Confidence {
		out.Confidence = old.Confidence
	}
	out.LastRefreshed = &now
	return out
}
