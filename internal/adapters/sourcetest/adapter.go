// Package sourcetest provides a scripted in-memory adapter for exercising
// the orchestration stack without network access.
package sourcetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// Adapter is a fully scriptable engine.Adapter. Zero-valued fields behave
// as empty successes; assign the Fn hooks to script behavior per call.
type Adapter struct {
	AdapterName string
	AdapterTier engine.Tier
	Caps        []engine.Capability

	SearchFn      func(ctx context.Context, q engine.SearchQuery) (engine.SearchPage, error)
	DetailsFn     func(ctx context.Context, sourceID string) (engine.SeriesRecord, error)
	ChapterListFn func(ctx context.Context, sourceID string, page, limit int) (engine.ChapterPage, error)
	PageListFn    func(ctx context.Context, sourceID, chapterID string) ([]string, error)
	ProbeFn       func(ctx context.Context, timeout time.Duration) engine.ProbeResult

	mu    sync.Mutex
	calls map[string]int
}

// New returns an active adapter with every capability declared.
func New(name string, tier engine.Tier) *Adapter {
	return &Adapter{
		AdapterName: name,
		AdapterTier: tier,
		Caps: []engine.Capability{
			engine.CapabilitySearch,
			engine.CapabilityDetails,
			engine.CapabilityChapterList,
			engine.CapabilityPageList,
			engine.CapabilityHealthProbe,
		},
	}
}

// Name implements engine.Adapter.
func (a *Adapter) Name() string { return a.AdapterName }

// Tier implements engine.Adapter.
func (a *Adapter) Tier() engine.Tier { return a.AdapterTier }

// Capabilities implements engine.Adapter.
func (a *Adapter) Capabilities() []engine.Capability { return a.Caps }

// Calls reports how many times the named operation ran.
func (a *Adapter) Calls(op engine.Capability) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[string(op)]
}

func (a *Adapter) record(op engine.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[string]int)
	}
	a.calls[string(op)]++
}

// Search implements engine.Adapter.
func (a *Adapter) Search(ctx context.Context, q engine.SearchQuery) (engine.SearchPage, error) {
	a.record(engine.CapabilitySearch)
	if a.SearchFn == nil {
		return engine.SearchPage{}, nil
	}
	return a.SearchFn(ctx, q)
}

// GetDetails implements engine.Adapter.
func (a *Adapter) GetDetails(ctx context.Context, sourceID string) (engine.SeriesRecord, error) {
	a.record(engine.CapabilityDetails)
	if a.DetailsFn == nil {
		return engine.SeriesRecord{}, fmt.Errorf("series %s: %w", sourceID, engine.ErrNotFound)
	}
	return a.DetailsFn(ctx, sourceID)
}

// GetChapterList implements engine.Adapter.
func (a *Adapter) GetChapterList(ctx context.Context, sourceID string, page, limit int) (engine.ChapterPage, error) {
	a.record(engine.CapabilityChapterList)
	if a.ChapterListFn == nil {
		return engine.ChapterPage{}, nil
	}
	return a.ChapterListFn(ctx, sourceID, page, limit)
}

// GetPageList implements engine.Adapter.
func (a *Adapter) GetPageList(ctx context.Context, sourceID, chapterID string) ([]string, error) {
	a.record(engine.CapabilityPageList)
	if a.PageListFn == nil {
		return nil, nil
	}
	return a.PageListFn(ctx, sourceID, chapterID)
}

// HealthProbe implements engine.Adapter.
func (a *Adapter) HealthProbe(ctx context.Context, timeout time.Duration) engine.ProbeResult {
	a.record(engine.CapabilityHealthProbe)
	if a.ProbeFn == nil {
		return engine.ProbeResult{OK: true, Latency: time.Millisecond}
	}
	return a.ProbeFn(ctx, timeout)
}
