// Package resolver queries adapters tier by tier, merges and deduplicates
// their results into canonical entries, and keeps those entries fresh.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/governor"
	"github.com/tsundoku-io/tsundoku/internal/isolation"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
)

// defaultConfidence fills in records whose adapter did not assign one.
// Primary sources are authoritative.
var defaultConfidence = map[engine.Tier]float64{
	engine.TierPrimary:   1.0,
	engine.TierSecondary: 0.75,
	engine.TierTertiary:  0.5,
}

// Config controls merge thresholds and refresh policy.
type Config struct {
	SimilarityThreshold float64
	SearchTimeout       time.Duration
	RefreshInterval     time.Duration
	AutoRefresh         bool
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.85
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 10 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 24 * time.Hour
	}
	return c
}

// OutcomeRecorder receives live-call outcomes; the health monitor implements
// it so real traffic feeds adapter health alongside probes.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, adapter string, ok bool, latency time.Duration, errText string) error
}

// TierAttempt summarizes one tier's participation in a search.
type TierAttempt struct {
	Tier     engine.Tier `json:"tier"`
	Adapters int         `json:"adapters"`
	Records  int         `json:"records"`
	Failures int         `json:"failures"`
}

// SearchOutcome is a tiered search result. Degraded is set when at least one
// adapter failed while others responded, so callers can distinguish "zero
// matches" from "partial view".
type SearchOutcome struct {
	Entries  []engine.CanonicalEntry `json:"entries"`
	Attempts []TierAttempt           `json:"attempts"`
	Degraded bool                    `json:"degraded"`
}

// Resolver routes every adapter call through the isolation manager and rate
// governor, merges tiered results, and persists canonical entries.
type Resolver struct {
	cfg       Config
	registry  *engine.Registry
	governor  *governor.Governor
	isolation *isolation.Manager
	entries   engine.EntryStore
	outcomes  OutcomeRecorder
	clock     engine.Clock
	logger    *zap.Logger
}

// New constructs a Resolver.
func New(cfg Config, registry *engine.Registry, gov *governor.Governor, iso *isolation.Manager, entries engine.EntryStore, clock engine.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		governor:  gov,
		isolation: iso,
		entries:   entries,
		clock:     clock,
		logger:    logger,
	}
}

// SetOutcomeRecorder wires the health monitor after construction.
func (r *Resolver) SetOutcomeRecorder(rec OutcomeRecorder) {
	r.outcomes = rec
}

// call runs one adapter operation through the full protection stack:
// governor admission, then bulkhead execution, then outcome accounting.
func (r *Resolver) call(ctx context.Context, name string, op engine.Capability, fn func(context.Context) error) error {
	if err := r.governor.Acquire(ctx, name); err != nil {
		return engine.NewAdapterCallError(name, op, err)
	}
	start := time.Now()
	err := r.isolation.Execute(ctx, name, fn)
	latency := time.Since(start)
	r.governor.Release(name, err == nil, latency)
	metrics.ObserveAdapterCall(name, err == nil, latency)

	if r.outcomes != nil {
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		if recErr := r.outcomes.RecordOutcome(ctx, name, err == nil, latency, errText); recErr != nil {
			r.logger.Warn("record call outcome failed", zap.String("adapter", name), zap.Error(recErr))
		}
	}
	if err != nil {
		return engine.NewAdapterCallError(name, op, err)
	}
	return nil
}

// Search queries each tier in priority order; a lower tier is consulted only
// after every adapter in the tier above has resolved. Adapter failures
// degrade the result instead of aborting it.
func (r *Resolver) Search(ctx context.Context, q engine.SearchQuery) (SearchOutcome, error) {
	var (
		outcome  SearchOutcome
		records  []engine.SeriesRecord
		attempts int
		failures int
	)

	for _, tier := range []engine.Tier{engine.TierPrimary, engine.TierSecondary, engine.TierTertiary} {
		adapters := r.registry.ByTier(tier)
		if len(adapters) == 0 {
			continue
		}
		attempt := r.searchTier(ctx, tier, adapters, q)
		outcome.Attempts = append(outcome.Attempts, attempt.TierAttempt)
		records = append(records, attempt.records...)
		attempts += attempt.Adapters
		failures += attempt.Failures
	}

	if attempts == 0 {
		return outcome, fmt.Errorf("no adapters available in any tier: %w", engine.ErrAllTiersFailed)
	}
	if failures == attempts && len(records) == 0 {
		outcome.Degraded = true
		return outcome, engine.ErrAllTiersFailed
	}
	outcome.Degraded = failures > 0
	outcome.Entries = Merge(records, r.cfg.SimilarityThreshold)

	now := r.clock.Now()
	for i := range outcome.Entries {
		if err := r.persistEntry(ctx, &outcome.Entries[i], now); err != nil {
			r.logger.Warn("persist canonical entry failed",
				zap.String("indexer", outcome.Entries[i].Indexer),
				zap.String("source_id", outcome.Entries[i].SourceID),
				zap.Error(err))
		}
	}
	return outcome, nil
}

type tierOutcome struct {
	TierAttempt
	records []engine.SeriesRecord
}

// searchTier fans out to one tier's adapters concurrently with a bounded
// per-adapter timeout.
func (r *Resolver) searchTier(ctx context.Context, tier engine.Tier, adapters []engine.Adapter, q engine.SearchQuery) tierOutcome {
	out := tierOutcome{TierAttempt: TierAttempt{Tier: tier, Adapters: len(adapters)}}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, adapter := range adapters {
		wg.Add(1)
		go func(a engine.Adapter) {
			defer wg.Done()
			name := a.Name()

			callCtx, cancel := context.WithTimeout(ctx, r.cfg.SearchTimeout)
			defer cancel()

			var page engine.SearchPage
			err := r.call(callCtx, name, engine.CapabilitySearch, func(opCtx context.Context) error {
				var searchErr error
				page, searchErr = a.Search(opCtx, q)
				return searchErr
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failures++
				r.logger.Warn("tier search adapter failed",
					zap.String("adapter", name), zap.Int("tier", int(tier)), zap.Error(err))
				return
			}
			for _, rec := range page.Items {
				if rec.Indexer == "" {
					rec.Indexer = name
				}
				rec.Tier = tier
				if rec.Confidence <= 0 {
					rec.Confidence = defaultConfidence[tier]
				}
				out.records = append(out.records, rec)
			}
			out.Records += len(page.Items)
		}(adapter)
	}
	wg.Wait()
	return out
}

// GetDetails fetches series details through the protection stack.
func (r *Resolver) GetDetails(ctx context.Context, indexer, sourceID string) (engine.SeriesRecord, error) {
	adapter, err := r.registry.Get(indexer)
	if err != nil {
		return engine.SeriesRecord{}, err
	}
	var record engine.SeriesRecord
	err = r.call(ctx, indexer, engine.CapabilityDetails, func(opCtx context.Context) error {
		var dErr error
		record, dErr = adapter.GetDetails(opCtx, sourceID)
		return dErr
	})
	return record, err
}

// ChapterList fetches one page of chapters through the protection stack.
func (r *Resolver) ChapterList(ctx context.Context, indexer, sourceID string, page, limit int) (engine.ChapterPage, error) {
	adapter, err := r.registry.Get(indexer)
	if err != nil {
		return engine.ChapterPage{}, err
	}
	var chapters engine.ChapterPage
	err = r.call(ctx, indexer, engine.CapabilityChapterList, func(opCtx context.Context) error {
		var cErr error
		chapters, cErr = adapter.GetChapterList(opCtx, sourceID, page, limit)
		return cErr
	})
	return chapters, err
}

// PageList fetches a chapter's page URLs through the protection stack.
func (r *Resolver) PageList(ctx context.Context, indexer, sourceID, chapterID string) ([]string, error) {
	adapter, err := r.registry.Get(indexer)
	if err != nil {
		return nil, err
	}
	var pages []string
	err = r.call(ctx, indexer, engine.CapabilityPageList, func(opCtx context.Context) error {
		var pErr error
		pages, pErr = adapter.GetPageList(opCtx, sourceID, chapterID)
		return pErr
	})
	return pages, err
}

// persistEntry upserts a merged entry, applying in-place update rules when
// the entry already exists: the title is immutable and confidence never
// regresses.
func (r *Resolver) persistEntry(ctx context.Context, entry *engine.CanonicalEntry, now time.Time) error {
	entry.RefreshInterval = r.cfg.RefreshInterval
	entry.LastRefreshed = &now

	existing, err := r.entries.GetEntry(ctx, entry.Indexer, entry.SourceID)
	switch {
	case err == nil:
		entry.Title = existing.Title
		if existing.Confidence > entry.Confidence {
			entry.Confidence = existing.Confidence
		}
		entry.CrossRefs = mergeCrossRefs(existing.CrossRefs, entry.CrossRefs)
	case errors.Is(err, engine.ErrNotFound):
	default:
		return err
	}
	return r.entries.UpsertEntry(ctx, *entry)
}

// mergeCrossRefs unions two cross-reference sets on (indexer, source id);
// new references win so match confidence stays current, but verified links
// are never downgraded.
func mergeCrossRefs(old, fresh []engine.CrossReference) []engine.CrossReference {
	type key struct{ indexer, sourceID string }
	seen := make(map[key]engine.CrossReference, len(old)+len(fresh))
	for _, ref := range old {
		seen[key{ref.Indexer, ref.SourceID}] = ref
	}
	for _, ref := range fresh {
		k := key{ref.Indexer, ref.SourceID}
		if prev, ok := seen[k]; ok {
			if prev.Verified {
				ref.Verified = true
				ref.Method = prev.Method
			}
		}
		seen[k] = ref
	}
	out := make([]engine.CrossReference, 0, len(seen))
	for _, ref := range seen {
		out = append(out, ref)
	}
	sortCrossRefs(out)
	return out
}
