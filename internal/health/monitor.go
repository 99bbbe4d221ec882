// Package health tracks per-adapter probe and live-call outcomes, scores
// adapters, and disables sources that fail persistently.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
	"github.com/tsundoku-io/tsundoku/internal/progress"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
)

// degradedAfter is the failure streak that marks an adapter degraded before
// auto-disable kicks in.
const degradedAfter = 2

// Config controls the monitor's probe policy.
type Config struct {
	MaxConsecutiveFailures int
	CheckInterval          time.Duration
	ProbeTimeout           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// JobSubmitter is the slice of the scheduler the monitor needs to enqueue
// probe jobs.
type JobSubmitter interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (engine.Job, error)
}

// QuarantineLifter lets a successful probe lift an isolation quarantine.
type QuarantineLifter interface {
	Quarantined(adapter string) bool
	Lift(adapter string) bool
}

// RankedProvider pairs an adapter with its composite score.
type RankedProvider struct {
	Adapter string               `json:"adapter"`
	Score   float64              `json:"score"`
	Status  engine.AdapterStatus `json:"status"`
	Record  engine.HealthRecord  `json:"record"`
}

// Monitor owns adapter health state. Probe execution goes through the
// scheduler so probes respect the same ceilings as any other work.
type Monitor struct {
	cfg      Config
	registry *engine.Registry
	store    engine.HealthStore
	sched    JobSubmitter
	lifter   QuarantineLifter
	clock    engine.Clock
	emitter  progress.Emitter
	logger   *zap.Logger
}

// New constructs a Monitor. Wire its probe handler with
// RegisterHandler(engine.JobTypeHealthCheck, monitor.Handler()).
func New(cfg Config, registry *engine.Registry, store engine.HealthStore, sched JobSubmitter, clock engine.Clock, emitter progress.Emitter, logger *zap.Logger) *Monitor {
	cfg = cfg.withDefaults()
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		cfg:      cfg,
		registry: registry,
		store:    store,
		sched:    sched,
		clock:    clock,
		emitter:  emitter,
		logger:   logger,
	}
	return m
}

// Handler returns the scheduler handler that executes probe jobs.
func (m *Monitor) Handler() scheduler.Handler {
	return scheduler.HandlerFunc(m.handleProbeJob)
}

// SetQuarantineLifter wires the isolation manager after construction.
func (m *Monitor) SetQuarantineLifter(l QuarantineLifter) {
	m.lifter = l
}

// Run sweeps all probeable adapters at the configured interval until the
// context finishes.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep enqueues one probe job per probeable adapter. Disabled adapters are
// skipped until explicitly re-enabled.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, name := range m.registry.Names() {
		record, err := m.store.GetHealth(ctx, name)
		if err == nil && (record.AutoDisabled || record.ManualOverride) {
			continue
		}
		if _, err := m.sched.Submit(ctx, scheduler.SubmitRequest{
			Type:     engine.JobTypeHealthCheck,
			Priority: engine.PriorityLow,
			Payload:  map[string]any{"adapter": name},
		}); err != nil {
			m.logger.Warn("enqueue probe failed", zap.String("adapter", name), zap.Error(err))
		}
	}
}

func (m *Monitor) handleProbeJob(ctx context.Context, job *engine.Job, report scheduler.ProgressFunc) error {
	name, _ := job.Payload["adapter"].(string)
	if name == "" {
		return errors.New("probe job payload missing adapter name")
	}
	report(0, 1, 0, 0)
	result, err := m.Probe(ctx, name)
	if err != nil {
		report(1, 1, 0, 1)
		return err
	}
	if result.OK {
		report(1, 1, 1, 0)
	} else {
		report(1, 1, 0, 1)
	}
	return nil
}

// Probe runs one health probe against the named adapter and records the
// outcome. Probing works regardless of lifecycle status so a recovering
// adapter can prove itself.
func (m *Monitor) Probe(ctx context.Context, name string) (engine.ProbeResult, error) {
	adapter, ok := m.registry.Lookup(name)
	if !ok {
		return engine.ProbeResult{}, fmt.Errorf("adapter %q: %w", name, engine.ErrAdapterUnavailable)
	}

	result := adapter.HealthProbe(ctx, m.cfg.ProbeTimeout)

	outcome := "ok"
	if !result.OK {
		outcome = "error"
	}
	m.emitter.Emit(progress.Event{
		TS:      m.clock.Now(),
		Stage:   progress.StageProbeDone,
		Adapter: name,
		Status:  outcome,
		Dur:     result.Latency,
		Note:    result.Error,
	})

	if err := m.RecordOutcome(ctx, name, result.OK, result.Latency, result.Error); err != nil {
		return result, err
	}

	if result.OK && m.lifter != nil && m.lifter.Quarantined(name) {
		if m.lifter.Lift(name) {
			m.logger.Info("quarantine lifted after successful probe", zap.String("adapter", name))
		}
	}
	return result, nil
}

// RecordOutcome folds one call or probe outcome into the adapter's health
// record and applies lifecycle transitions.
func (m *Monitor) RecordOutcome(ctx context.Context, name string, ok bool, latency time.Duration, errText string) error {
	now := m.clock.Now()
	record, err := m.store.GetHealth(ctx, name)
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return fmt.Errorf("load health record: %w", err)
		}
		record = engine.HealthRecord{Adapter: name, Status: engine.StatusActive}
	}

	record.LastCheck = &now
	total := record.TotalSuccesses + record.TotalFailures
	record.AvgResponseMs = (record.AvgResponseMs*float64(total) + float64(latency.Milliseconds())) / float64(total+1)

	if ok {
		record.TotalSuccesses++
		record.ConsecutiveFailures = 0
		record.LastSuccess = &now
		record.LastError = ""
	} else {
		record.TotalFailures++
		record.ConsecutiveFailures++
		record.LastFailure = &now
		record.LastError = errText
	}
	record.SuccessRate = float64(record.TotalSuccesses) / float64(record.TotalSuccesses+record.TotalFailures)

	prev := record.Status
	switch {
	case record.ManualOverride:
		record.Status = engine.StatusInactive
	case !ok && !record.AutoDisabled && record.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures:
		record.AutoDisabled = true
		record.Status = engine.StatusInactive
	case record.AutoDisabled:
		// A successful probe alone does not re-enable; an operator must
		// call EnableProvider first.
		record.Status = engine.StatusInactive
	case !ok && record.ConsecutiveFailures >= degradedAfter:
		record.Status = engine.StatusDegraded
	case ok:
		record.Status = engine.StatusActive
	}

	if err := m.store.UpsertHealth(ctx, record); err != nil {
		return fmt.Errorf("persist health record: %w", err)
	}
	metrics.SetHealthScore(name, Score(record, now))

	if record.Status != prev {
		if err := m.registry.SetStatus(name, record.Status); err != nil {
			m.logger.Warn("registry status update failed", zap.String("adapter", name), zap.Error(err))
		}
		m.emitter.Emit(progress.Event{
			TS:      now,
			Stage:   progress.StageHealth,
			Adapter: name,
			Status:  string(record.Status),
			Note:    errText,
		})
		m.logger.Info("adapter health status changed",
			zap.String("adapter", name),
			zap.String("from", string(prev)),
			zap.String("to", string(record.Status)),
			zap.Int("consecutive_failures", record.ConsecutiveFailures))
	}
	return nil
}

// EnableProvider clears a manual or automatic disable. The adapter re-enters
// rotation as degraded; the next successful probe restores it to active.
func (m *Monitor) EnableProvider(ctx context.Context, name string) error {
	record, err := m.store.GetHealth(ctx, name)
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return err
		}
		record = engine.HealthRecord{Adapter: name}
	}
	record.AutoDisabled = false
	record.ManualOverride = false
	record.ConsecutiveFailures = 0
	record.Status = engine.StatusDegraded
	if err := m.store.UpsertHealth(ctx, record); err != nil {
		return fmt.Errorf("persist health record: %w", err)
	}
	if err := m.registry.SetStatus(name, engine.StatusDegraded); err != nil {
		return err
	}
	m.emitter.Emit(progress.Event{
		TS:      m.clock.Now(),
		Stage:   progress.StageHealth,
		Adapter: name,
		Status:  string(engine.StatusDegraded),
		Note:    "manually enabled",
	})

	if _, err := m.sched.Submit(ctx, scheduler.SubmitRequest{
		Type:     engine.JobTypeHealthCheck,
		Priority: engine.PriorityHigh,
		Payload:  map[string]any{"adapter": name},
	}); err != nil {
		m.logger.Warn("enqueue verification probe failed", zap.String("adapter", name), zap.Error(err))
	}
	return nil
}

// DisableProvider takes an adapter out of rotation until EnableProvider.
func (m *Monitor) DisableProvider(ctx context.Context, name string) error {
	record, err := m.store.GetHealth(ctx, name)
	if err != nil {
		if !errors.Is(err, engine.ErrNotFound) {
			return err
		}
		record = engine.HealthRecord{Adapter: name}
	}
	record.ManualOverride = true
	record.Status = engine.StatusInactive
	if err := m.store.UpsertHealth(ctx, record); err != nil {
		return fmt.Errorf("persist health record: %w", err)
	}
	if err := m.registry.SetStatus(name, engine.StatusInactive); err != nil {
		return err
	}
	m.emitter.Emit(progress.Event{
		TS:      m.clock.Now(),
		Stage:   progress.StageHealth,
		Adapter: name,
		Status:  string(engine.StatusInactive),
		Note:    "manually disabled",
	})
	return nil
}

// Ranking returns all known adapters ordered by descending score; ties break
// on adapter name.
func (m *Monitor) Ranking(ctx context.Context) ([]RankedProvider, error) {
	records, err := m.store.ListHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("list health records: %w", err)
	}
	now := m.clock.Now()
	out := make([]RankedProvider, 0, len(records))
	for _, record := range records {
		out = append(out, RankedProvider{
			Adapter: record.Adapter,
			Score:   Score(record, now),
			Status:  record.Status,
			Record:  record,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Adapter < out[j].Adapter
	})
	return out, nil
}
