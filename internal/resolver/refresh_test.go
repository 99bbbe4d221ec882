package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

func TestNeedsRefresh(t *testing.T) {
	f := newResolverFixture(t)
	now := time.Now().UTC()
	stale := now.Add(-48 * time.Hour)
	fresh := now.Add(-time.Hour)

	never := engine.CanonicalEntry{RefreshInterval: 24 * time.Hour}
	assert.True(t, f.resolver.NeedsRefresh(never, now))

	staleEntry := engine.CanonicalEntry{LastRefreshed: &stale, RefreshInterval: 24 * time.Hour}
	assert.True(t, f.resolver.NeedsRefresh(staleEntry, now))

	freshEntry := engine.CanonicalEntry{LastRefreshed: &fresh, RefreshInterval: 24 * time.Hour}
	assert.False(t, f.resolver.NeedsRefresh(freshEntry, now))
}

func TestNeedsRefreshDisabled(t *testing.T) {
	f := newResolverFixture(t)
	f.resolver.cfg.AutoRefresh = false
	assert.False(t, f.resolver.NeedsRefresh(engine.CanonicalEntry{}, time.Now()))
}

func TestRefreshKeepsTitleAndRatchetsConfidence(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		name: "source-a", tier: engine.TierPrimary,
		details: func(_ context.Context, sourceID string) (engine.SeriesRecord, error) {
			return engine.SeriesRecord{
				Indexer: "source-a", SourceID: sourceID,
				Title:       "Renamed Upstream",
				Description: "new description",
				Confidence:  0.4,
				Tier:        engine.TierPrimary,
			}, nil
		},
	}
	f := newResolverFixture(t, adapter)

	old := time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, f.entries.UpsertEntry(ctx, engine.CanonicalEntry{
		Indexer: "source-a", SourceID: "a-1",
		Title:       "Original Title",
		Description: "old description",
		Confidence:  0.9,
		SourceTier:  engine.TierPrimary,
		CrossRefs: []engine.CrossReference{
			{Indexer: "source-c", SourceID: "c-1", Method: engine.MatchFuzzyTitle, Confidence: 0.6},
		},
		LastRefreshed:   &old,
		RefreshInterval: 24 * time.Hour,
	}))

	updated, err := f.resolver.Refresh(ctx, "source-a", "a-1")
	require.NoError(t, err)

	assert.Equal(t, "Original Title", updated.Title, "title is immutable post-creation")
	assert.Equal(t, "new description", updated.Description, "other fields overwrite")
	assert.Equal(t, 0.9, updated.Confidence, "confidence never regresses")
	require.Len(t, updated.CrossRefs, 1, "cross-references survive refresh")
	require.NotNil(t, updated.LastRefreshed)
	assert.True(t, updated.LastRefreshed.After(old))
}

func TestRefreshDue(t *testing.T) {
	ctx := context.Background()
	adapter := &scriptedAdapter{
		name: "source-a", tier: engine.TierPrimary,
		details: func(_ context.Context, sourceID string) (engine.SeriesRecord, error) {
			if sourceID == "broken" {
				return engine.SeriesRecord{}, assert.AnError
			}
			return engine.SeriesRecord{Indexer: "source-a", SourceID: sourceID, Title: "T"}, nil
		},
	}
	f := newResolverFixture(t, adapter)

	stale := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()
	for _, e := range []engine.CanonicalEntry{
		{Indexer: "source-a", SourceID: "ok", Title: "T", LastRefreshed: &stale, RefreshInterval: 24 * time.Hour},
		{Indexer: "source-a", SourceID: "broken", Title: "T", LastRefreshed: &stale, RefreshInterval: 24 * time.Hour},
		{Indexer: "source-a", SourceID: "fresh", Title: "T", LastRefreshed: &fresh, RefreshInterval: 24 * time.Hour},
	} {
		require.NoError(t, f.entries.UpsertEntry(ctx, e))
	}

	attempted, failed, err := f.resolver.RefreshDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, attempted, "only stale entries are attempted")
	assert.Equal(t, 1, failed)
}
