package resolver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clock "github.com/tsundoku-io/tsundoku/internal/clock/system"
	"github.com/tsundoku-io/tsundoku/internal/config"
	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/governor"
	"github.com/tsundoku-io/tsundoku/internal/isolation"
	"github.com/tsundoku-io/tsundoku/internal/storage/memory"
)

type scriptedAdapter struct {
	name    string
	tier    engine.Tier
	search  func(ctx context.Context, q engine.SearchQuery) (engine.SearchPage, error)
	details func(ctx context.Context, sourceID string) (engine.SeriesRecord, error)
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Tier() engine.Tier { return a.tier }

func (a *scriptedAdapter) Capabilities() []engine.Capability {
	return []engine.Capability{
		engine.CapabilitySearch, engine.CapabilityDetails,
		engine.CapabilityChapterList, engine.CapabilityPageList,
	}
}

func (a *scriptedAdapter) Search(ctx context.Context, q engine.SearchQuery) (engine.SearchPage, error) {
	if a.search == nil {
		return engine.SearchPage{}, nil
	}
	return a.search(ctx, q)
}

func (a *scriptedAdapter) GetDetails(ctx context.Context, sourceID string) (engine.SeriesRecord, error) {
	if a.details == nil {
		return engine.SeriesRecord{}, engine.ErrNotFound
	}
	return a.details(ctx, sourceID)
}

func (a *scriptedAdapter) GetChapterList(context.Context, string, int, int) (engine.ChapterPage, error) {
	return engine.ChapterPage{}, nil
}

func (a *scriptedAdapter) GetPageList(context.Context, string, string) ([]string, error) {
	return []string{"page-1.png"}, nil
}

func (a *scriptedAdapter) HealthProbe(context.Context, time.Duration) engine.ProbeResult {
	return engine.ProbeResult{OK: true}
}

func pageOf(items ...engine.SeriesRecord) func(context.Context, engine.SearchQuery) (engine.SearchPage, error) {
	return func(context.Context, engine.SearchQuery) (engine.SearchPage, error) {
		return engine.SearchPage{Items: items, Total: len(items)}, nil
	}
}

func searchError(msg string) func(context.Context, engine.SearchQuery) (engine.SearchPage, error) {
	return func(context.Context, engine.SearchQuery) (engine.SearchPage, error) {
		return engine.SearchPage{}, errors.New(msg)
	}
}

type resolverFixture struct {
	resolver *Resolver
	registry *engine.Registry
	entries  *memory.EntryStore
}

func newResolverFixture(t *testing.T, adapters ...engine.Adapter) *resolverFixture {
	t.Helper()
	registry := engine.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	limits := config.GovernorLimits{
		MaxConcurrent:           8,
		BurstLimit:              100,
		BurstWindowMs:           1000,
		CircuitBreakerThreshold: 50,
		CircuitBreakerTimeoutMs: 30000,
		HalfOpenSuccesses:       3,
	}
	gov := governor.New(governor.Config{Defaults: limits}, clock.Clock{}, nil, nil)
	iso := isolation.New(isolation.Config{MaxConcurrentRequests: 8, FailureThreshold: 50}, clock.Clock{}, nil, nil)
	entries := memory.NewEntryStore()
	r := New(Config{SimilarityThreshold: 0.85, SearchTimeout: 2 * time.Second, RefreshInterval: 24 * time.Hour, AutoRefresh: true},
		registry, gov, iso, entries, clock.Clock{}, nil)
	return &resolverFixture{resolver: r, registry: registry, entries: entries}
}

func TestSearchMergesPrimaryAndTertiary(t *testing.T) {
	primary := &scriptedAdapter{
		name: "source-a", tier: engine.TierPrimary,
		search: pageOf(engine.SeriesRecord{
			Indexer: "source-a", SourceID: "a-1", Title: "Test Title", Confidence: 1.0,
		}),
	}
	tertiary := &scriptedAdapter{
		name: "source-c", tier: engine.TierTertiary,
		search: pageOf(engine.SeriesRecord{
			Indexer: "source-c", SourceID: "c-9", Title: "test  title!", Confidence: 0.6,
		}),
	}
	f := newResolverFixture(t, primary, tertiary)

	outcome, err := f.resolver.Search(context.Background(), engine.SearchQuery{Query: "test title"})
	require.NoError(t, err)
	assert.False(t, outcome.Degraded)
	require.Len(t, outcome.Entries, 1)

	entry := outcome.Entries[0]
	assert.Equal(t, "source-a", entry.Indexer)
	assert.Equal(t, "a-1", entry.SourceID)
	assert.Equal(t, engine.TierPrimary, entry.SourceTier)
	assert.Equal(t, 1.0, entry.Confidence)
	require.Len(t, entry.CrossRefs, 1)
	assert.Equal(t, "source-c", entry.CrossRefs[0].Indexer)
	assert.Equal(t, engine.MatchExactTitle, entry.CrossRefs[0].Method)
	assert.Equal(t, 0.6, entry.CrossRefs[0].Confidence)

	// The canonical entry is persisted on first resolution.
	stored, err := f.entries.GetEntry(context.Background(), "source-a", "a-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRefreshed)
}

func TestSearchDegradesWhenOneTierFails(t *testing.T) {
	primary := &scriptedAdapter{
		name: "source-a", tier: engine.TierPrimary,
		search: searchError("upstream 503"),
	}
	secondary := &scriptedAdapter{
		name: "source-b", tier: engine.TierSecondary,
		search: pageOf(engine.SeriesRecord{
			Indexer: "source-b", SourceID: "b-1", Title: "Fallback Hit",
		}),
	}
	f := newResolverFixture(t, primary, secondary)

	outcome, err := f.resolver.Search(context.Background(), engine.SearchQuery{Query: "fallback"})
	require.NoError(t, err)
	assert.True(t, outcome.Degraded, "partial tier failure must be visible")
	require.Len(t, outcome.Entries, 1)
	assert.Equal(t, "source-b", outcome.Entries[0].Indexer)
	assert.Equal(t, 0.75, outcome.Entries[0].Confidence, "tier default applies when the adapter assigns none")
}

func TestSearchAllTiersFailed(t *testing.T) {
	f := newResolverFixture(t,
		&scriptedAdapter{name: "source-a", tier: engine.TierPrimary, search: searchError("down")},
		&scriptedAdapter{name: "source-b", tier: engine.TierSecondary, search: searchError("down")},
	)

	outcome, err := f.resolver.Search(context.Background(), engine.SearchQuery{Query: "anything"})
	assert.ErrorIs(t, err, engine.ErrAllTiersFailed)
	assert.True(t, outcome.Degraded)
	assert.Empty(t, outcome.Entries)
}

func TestSearchZeroMatchesIsNotAnError(t *testing.T) {
	f := newResolverFixture(t,
		&scriptedAdapter{name: "source-a", tier: engine.TierPrimary, search: pageOf()},
	)

	outcome, err := f.resolver.Search(context.Background(), engine.SearchQuery{Query: "no such series"})
	require.NoError(t, err)
	assert.False(t, outcome.Degraded)
	assert.Empty(t, outcome.Entries)
}

func TestSearchNoAdaptersRegistered(t *testing.T) {
	f := newResolverFixture(t)
	_, err := f.resolver.Search(context.Background(), engine.SearchQuery{Query: "anything"})
	assert.ErrorIs(t, err, engine.ErrAllTiersFailed)
}

func TestSearchRecordsOutcomes(t *testing.T) {
	f := newResolverFixture(t,
		&scriptedAdapter{name: "source-a", tier: engine.TierPrimary, search: pageOf()},
		&scriptedAdapter{name: "source-b", tier: engine.TierSecondary, search: searchError("boom")},
	)
	rec := &recordingOutcomes{}
	f.resolver.SetOutcomeRecorder(rec)

	_, err := f.resolver.Search(context.Background(), engine.SearchQuery{Query: "x"})
	require.NoError(t, err)

	outcomes := rec.snapshot()
	require.Len(t, outcomes, 2)
	assert.True(t, outcomes["source-a"])
	assert.False(t, outcomes["source-b"])
}

type recordingOutcomes struct {
	mu       sync.Mutex
	outcomes map[string]bool
}

func (r *recordingOutcomes) RecordOutcome(_ context.Context, adapter string, ok bool, _ time.Duration, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]bool)
	}
	r.outcomes[adapter] = ok
	return nil
}

func (r *recordingOutcomes) snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}

func TestGetDetailsRejectsDisabledAdapter(t *testing.T) {
	adapter := &scriptedAdapter{name: "source-a", tier: engine.TierPrimary}
	f := newResolverFixture(t, adapter)
	require.NoError(t, f.registry.SetStatus("source-a", engine.StatusInactive))

	_, err := f.resolver.GetDetails(context.Background(), "source-a", "a-1")
	assert.ErrorIs(t, err, engine.ErrAdapterUnavailable)
}
