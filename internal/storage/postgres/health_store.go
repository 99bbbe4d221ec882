package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// HealthStore persists adapter health records in Postgres.
type HealthStore struct {
	pool Pool
}

// NewHealthStore constructs a HealthStore over an existing pool.
func NewHealthStore(pool Pool) (*HealthStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HealthStore{pool: pool}, nil
}

const healthColumns = `adapter, status, last_check, last_success, last_failure,
	last_error, avg_response_ms, success_rate, total_successes, total_failures,
	consecutive_failures, auto_disabled, manual_override`

// UpsertHealth inserts or replaces the health record for one adapter.
func (s *HealthStore) UpsertHealth(ctx context.Context, record engine.HealthRecord) error {
	if record.Adapter == "" {
		return fmt.Errorf("health record adapter is required")
	}
	query := `
INSERT INTO adapter_health (` + healthColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (adapter) DO UPDATE SET
	status = EXCLUDED.status,
	last_check = EXCLUDED.last_check,
	last_success = EXCLUDED.last_success,
	last_failure = EXCLUDED.last_failure,
	last_error = EXCLUDED.last_error,
	avg_response_ms = EXCLUDED.avg_response_ms,
	success_rate = EXCLUDED.success_rate,
	total_successes = EXCLUDED.total_successes,
	total_failures = EXCLUDED.total_failures,
	consecutive_failures = EXCLUDED.consecutive_failures,
	auto_disabled = EXCLUDED.auto_disabled,
	manual_override = EXCLUDED.manual_override`

	_, err := s.pool.Exec(ctx, query,
		record.Adapter, string(record.Status), record.LastCheck, record.LastSuccess,
		record.LastFailure, record.LastError, record.AvgResponseMs, record.SuccessRate,
		record.TotalSuccesses, record.TotalFailures, record.ConsecutiveFailures,
		record.AutoDisabled, record.ManualOverride,
	)
	if err != nil {
		return fmt.Errorf("upsert health record: %w", err)
	}
	return nil
}

// GetHealth loads the health record for one adapter.
func (s *HealthStore) GetHealth(ctx context.Context, adapter string) (engine.HealthRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM adapter_health WHERE adapter = $1`
	record, err := scanHealth(s.pool.QueryRow(ctx, query, adapter))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.HealthRecord{}, fmt.Errorf("health record %s: %w", adapter, engine.ErrNotFound)
		}
		return engine.HealthRecord{}, fmt.Errorf("get health record: %w", err)
	}
	return record, nil
}

// ListHealth returns every adapter's health record, ordered by adapter name.
func (s *HealthStore) ListHealth(ctx context.Context) ([]engine.HealthRecord, error) {
	query := `SELECT ` + healthColumns + ` FROM adapter_health ORDER BY adapter`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	defer rows.Close()

	var records []engine.HealthRecord
	for rows.Next() {
		record, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	return records, nil
}

func scanHealth(row pgx.Row) (engine.HealthRecord, error) {
	var (
		record engine.HealthRecord
		status string
	)
	err := row.Scan(
		&record.Adapter, &status, &record.LastCheck, &record.LastSuccess,
		&record.LastFailure, &record.LastError, &record.AvgResponseMs, &record.SuccessRate,
		&record.TotalSuccesses, &record.TotalFailures, &record.ConsecutiveFailures,
		&record.AutoDisabled, &record.ManualOverride,
	)
	if err != nil {
		return engine.HealthRecord{}, err
	}
	record.Status = engine.AdapterStatus(status)
	return record, nil
}
