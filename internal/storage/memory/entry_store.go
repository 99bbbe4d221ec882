package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

type entryKey struct {
	indexer  string
	sourceID string
}

// EntryStore is a mutex-guarded in-memory engine.EntryStore.
type EntryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]engine.CanonicalEntry
}

// NewEntryStore constructs an empty EntryStore.
func NewEntryStore() *EntryStore {
	return &EntryStore{entries: make(map[entryKey]engine.CanonicalEntry)}
}

// UpsertEntry inserts or replaces the entry keyed by (indexer, source id).
func (s *EntryStore) UpsertEntry(_ context.Context, entry engine.CanonicalEntry) error {
	if entry.Indexer == "" || entry.SourceID == "" {
		return fmt.Errorf("entry requires indexer and source id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entryKey{entry.Indexer, entry.SourceID}] = cloneEntry(entry)
	return nil
}

// GetEntry fetches an entry by its source-of-record key.
func (s *EntryStore) GetEntry(_ context.Context, indexer, sourceID string) (engine.CanonicalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryKey{indexer, sourceID}]
	if !ok {
		return engine.CanonicalEntry{}, fmt.Errorf("entry %s/%s: %w", indexer, sourceID, engine.ErrNotFound)
	}
	return cloneEntry(entry), nil
}

// ListEntries returns entries matching the filter ordered by tier then title.
func (s *EntryStore) ListEntries(_ context.Context, filter engine.EntryFilter) ([]engine.CanonicalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.CanonicalEntry
	for _, entry := range s.entries {
		if filter.Indexer != "" && entry.Indexer != filter.Indexer {
			continue
		}
		if filter.Tier != 0 && entry.SourceTier != filter.Tier {
			continue
		}
		if !filter.RefreshDueAt.IsZero() {
			if entry.LastRefreshed != nil && entry.LastRefreshed.Add(entry.RefreshInterval).After(filter.RefreshDueAt) {
				continue
			}
		}
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceTier != out[j].SourceTier {
			return out[i].SourceTier < out[j].SourceTier
		}
		return out[i].Title < out[j].Title
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneEntry(entry engine.CanonicalEntry) engine.CanonicalEntry {
	out := entry
	if entry.AltTitles != nil {
		out.AltTitles = make(map[string]string, len(entry.AltTitles))
		for k, v := range entry.AltTitles {
			out.AltTitles[k] = v
		}
	}
	out.Genres = append([]string(nil), entry.Genres...)
	out.Tags = append([]string(nil), entry.Tags...)
	out.Themes = append([]string(nil), entry.Themes...)
	out.Authors = append([]string(nil), entry.Authors...)
	out.Artists = append([]string(nil), entry.Artists...)
	out.Publishers = append([]string(nil), entry.Publishers...)
	out.CrossRefs = append([]engine.CrossReference(nil), entry.CrossRefs...)
	if entry.LastRefreshed != nil {
		t := *entry.LastRefreshed
		out.LastRefreshed = &t
	}
	return out
}
