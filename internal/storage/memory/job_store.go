// Package memory provides in-memory store implementations used in tests and
// single-process deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// JobStore is a mutex-guarded in-memory engine.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]engine.Job
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]engine.Job)}
}

// CreateJob inserts a new job; duplicate IDs are rejected.
func (s *JobStore) CreateJob(_ context.Context, job engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces a stored job.
func (s *JobStore) UpdateJob(_ context.Context, job engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; !exists {
		return fmt.Errorf("job %s: %w", job.ID, engine.ErrNotFound)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (engine.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return engine.Job{}, fmt.Errorf("job %s: %w", id, engine.ErrNotFound)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs matching the filter, newest submission first.
func (s *JobStore) ListJobs(_ context.Context, filter engine.JobFilter) ([]engine.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []engine.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.ParentID != "" && job.ParentID != filter.ParentID {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].Submitted.After(out[j].Submitted)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func cloneJob(job engine.Job) engine.Job {
	out := job
	if job.Payload != nil {
		out.Payload = make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			out.Payload[k] = v
		}
	}
	if job.Started != nil {
		t := *job.Started
		out.Started = &t
	}
	if job.Finished != nil {
		t := *job.Finished
		out.Finished = &t
	}
	return out
}
