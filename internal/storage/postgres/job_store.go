package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

const defaultListLimit = 100

// JobStore persists scheduler jobs in Postgres.
type JobStore struct {
	pool Pool
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

const jobColumns = `id, type, priority, status, progress,
	processed_items, total_items, successful_items, failed_items,
	retry_count, max_retries, timeout_seconds, parent_id, payload,
	error_text, submitted_at, started_at, finished_at`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job engine.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err = s.pool.Exec(ctx, query,
		job.ID, string(job.Type), int(job.Priority), string(job.Status), job.Progress,
		job.ProcessedItems, job.TotalItems, job.SuccessfulItems, job.FailedItems,
		job.RetryCount, job.MaxRetries, job.TimeoutSeconds, job.ParentID, payload,
		job.ErrorText, job.Submitted, job.Started, job.Finished,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob rewrites a job row.
func (s *JobStore) UpdateJob(ctx context.Context, job engine.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	query := `
UPDATE jobs SET
	status = $2, progress = $3, processed_items = $4, total_items = $5,
	successful_items = $6, failed_items = $7, retry_count = $8,
	priority = $9, payload = $10, error_text = $11,
	started_at = $12, finished_at = $13
WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		job.ID, string(job.Status), job.Progress, job.ProcessedItems, job.TotalItems,
		job.SuccessfulItems, job.FailedItems, job.RetryCount,
		int(job.Priority), payload, job.ErrorText,
		job.Started, job.Finished,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, engine.ErrNotFound)
	}
	return nil
}

// GetJob loads one job by id.
func (s *JobStore) GetJob(ctx context.Context, id string) (engine.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Job{}, fmt.Errorf("job %s: %w", id, engine.ErrNotFound)
		}
		return engine.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter engine.JobFilter) ([]engine.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
SELECT ` + jobColumns + `
FROM jobs
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR type = $2)
  AND ($3 = '' OR parent_id = $3)
ORDER BY submitted_at DESC
LIMIT $4`

	rows, err := s.pool.Query(ctx, query,
		string(filter.Status), string(filter.Type), filter.ParentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (engine.Job, error) {
	var (
		job      engine.Job
		jobType  string
		priority int
		status   string
		payload  []byte
	)
	err := row.Scan(
		&job.ID, &jobType, &priority, &status, &job.Progress,
		&job.ProcessedItems, &job.TotalItems, &job.SuccessfulItems, &job.FailedItems,
		&job.RetryCount, &job.MaxRetries, &job.TimeoutSeconds, &job.ParentID, &payload,
		&job.ErrorText, &job.Submitted, &job.Started, &job.Finished,
	)
	if err != nil {
		return engine.Job{}, err
	}
	job.Type = engine.JobType(jobType)
	job.Priority = engine.Priority(priority)
	job.Status = engine.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return engine.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	return job, nil
}
