package engine

import (
	"context"
	"time"
)

// JobType categorizes scheduled work; per-category concurrency ceilings key
// off the category, not the concrete type.
type JobType string

// Supported job types.
const (
	JobTypeDownload       JobType = "download"
	JobTypeDownloadSeries JobType = "download-series"
	JobTypeHealthCheck    JobType = "health-check"
	JobTypeOrganize       JobType = "organize"
)

// JobCategory groups job types under one concurrency ceiling.
type JobCategory string

// Job categories.
const (
	CategoryDownload    JobCategory = "download"
	CategoryHealthCheck JobCategory = "health-check"
	CategoryMaintenance JobCategory = "maintenance"
)

// Category maps a job type to its ceiling category.
func (t JobType) Category() JobCategory {
	switch t {
	case JobTypeDownload, JobTypeDownloadSeries:
		return CategoryDownload
	case JobTypeHealthCheck:
		return CategoryHealthCheck
	default:
		return CategoryMaintenance
	}
}

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending          JobStatus = "pending"
	JobStatusRunning          JobStatus = "running"
	JobStatusPaused           JobStatus = "paused"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusCompletedPartial JobStatus = "completed_partial"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
)

// Terminal reports whether no further status mutation is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders dispatch; higher runs first, FIFO within a level.
type Priority int

// Priority levels.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Job is one unit of scheduled work.
type Job struct {
	ID              string         `json:"id"`
	Type            JobType        `json:"type"`
	Priority        Priority       `json:"priority"`
	Status          JobStatus      `json:"status"`
	Progress        float64        `json:"progress"`
	ProcessedItems  int            `json:"processed_items"`
	TotalItems      int            `json:"total_items"`
	SuccessfulItems int            `json:"successful_items"`
	FailedItems     int            `json:"failed_items"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	ParentID        string         `json:"parent_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	ErrorText       string         `json:"error_text,omitempty"`
	Submitted       time.Time      `json:"submitted_at"`
	Started         *time.Time     `json:"started_at,omitempty"`
	Finished        *time.Time     `json:"finished_at,omitempty"`
}

// Timeout returns the job's wall-clock budget.
func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status   JobStatus
	Type     JobType
	ParentID string
	Limit    int
}

// JobStore persists job metadata.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
}
