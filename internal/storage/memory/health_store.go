package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// HealthStore is a mutex-guarded in-memory engine.HealthStore.
type HealthStore struct {
	mu      sync.RWMutex
	records map[string]engine.HealthRecord
}

// NewHealthStore constructs an empty HealthStore.
func NewHealthStore() *HealthStore {
	return &HealthStore{records: make(map[string]engine.HealthRecord)}
}

// UpsertHealth inserts or replaces the record for one adapter.
func (s *HealthStore) UpsertHealth(_ context.Context, record engine.HealthRecord) error {
	if record.Adapter == "" {
		return fmt.Errorf("health record requires an adapter name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Adapter] = cloneHealth(record)
	return nil
}

// GetHealth fetches the record for one adapter.
func (s *HealthStore) GetHealth(_ context.Context, adapter string) (engine.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[adapter]
	if !ok {
		return engine.HealthRecord{}, fmt.Errorf("health %s: %w", adapter, engine.ErrNotFound)
	}
	return cloneHealth(record), nil
}

// ListHealth returns all records sorted by adapter name.
func (s *HealthStore) ListHealth(_ context.Context) ([]engine.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.HealthRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, cloneHealth(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Adapter < out[j].Adapter })
	return out, nil
}

func cloneHealth(record engine.HealthRecord) engine.HealthRecord {
	out := record
	if record.LastCheck != nil {
		t := *record.LastCheck
		out.LastCheck = &t
	}
	if record.LastSuccess != nil {
		t := *record.LastSuccess
		out.LastSuccess = &t
	}
	if record.LastFailure != nil {
		t := *record.LastFailure
		out.LastFailure = &t
	}
	return out
}
