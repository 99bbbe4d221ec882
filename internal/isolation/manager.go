// Package isolation implements the bulkhead layer above the rate governor:
// a second, coarser concurrency budget per adapter plus pattern-driven
// quarantine that protects shared infrastructure from a misbehaving source.
package isolation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
)

// Config controls bulkhead sizing and the quarantine pattern window.
type Config struct {
	MaxConcurrentRequests int
	Timeout               time.Duration
	FailureWindow         time.Duration
	FailureThreshold      int
}

// QuarantineFunc is invoked when an adapter enters or leaves quarantine.
type QuarantineFunc func(adapter string, quarantined bool)

// Manager tracks one bulkhead per adapter name.
type Manager struct {
	mu           sync.Mutex
	bulkheads    map[string]*bulkhead
	cfg          Config
	clock        engine.Clock
	logger       *zap.Logger
	onQuarantine QuarantineFunc
}

type bulkhead struct {
	mu          sync.Mutex
	sem         chan struct{}
	failures    []time.Time
	quarantined bool
	since       time.Time
}

// New constructs a Manager. The quarantine callback may be nil.
func New(cfg Config, clock engine.Clock, logger *zap.Logger, onQuarantine QuarantineFunc) *Manager {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 4
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 8
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bulkheads:    make(map[string]*bulkhead),
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
		onQuarantine: onQuarantine,
	}
}

func (m *Manager) bulkheadFor(adapter string) *bulkhead {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bulkheads[adapter]
	if !ok {
		b = &bulkhead{sem: make(chan struct{}, m.cfg.MaxConcurrentRequests)}
		m.bulkheads[adapter] = b
	}
	return b
}

// Execute runs op inside the adapter's bulkhead under the configured timeout.
// Quarantined adapters are rejected immediately. Errors are recorded against
// the failure pattern and re-raised, never swallowed.
func (m *Manager) Execute(ctx context.Context, adapter string, op func(context.Context) error) error {
	b := m.bulkheadFor(adapter)

	b.mu.Lock()
	if b.quarantined {
		b.mu.Unlock()
		return fmt.Errorf("adapter %s quarantined since %s: %w",
			adapter, b.since.Format(time.RFC3339), engine.ErrAdapterUnavailable)
	}
	b.mu.Unlock()

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("bulkhead %s: %w: %v", adapter, engine.ErrRateLimitTimeout, ctx.Err())
	}
	metrics.SetBulkheadOccupancy(adapter, len(b.sem))
	defer func() {
		<-b.sem
		metrics.SetBulkheadOccupancy(adapter, len(b.sem))
	}()

	opCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	err := op(opCtx)
	if err != nil {
		m.recordFailure(adapter, b)
		return err
	}
	return nil
}

// recordFailure appends to the rolling window and quarantines the adapter
// when failures cluster.
func (m *Manager) recordFailure(adapter string, b *bulkhead) {
	now := m.clock.Now()
	cutoff := now.Add(-m.cfg.FailureWindow)

	b.mu.Lock()
	trimmed := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	b.failures = append(trimmed, now)
	tripped := !b.quarantined && len(b.failures) >= m.cfg.FailureThreshold
	if tripped {
		b.quarantined = true
		b.since = now
	}
	b.mu.Unlock()

	if tripped {
		metrics.ObserveQuarantine(adapter)
		m.logger.Warn("adapter quarantined",
			zap.String("adapter", adapter),
			zap.Int("failures_in_window", m.cfg.FailureThreshold),
			zap.Duration("window", m.cfg.FailureWindow),
		)
		if m.onQuarantine != nil {
			m.onQuarantine(adapter, true)
		}
	}
}

// Lift clears quarantine for an adapter, reporting whether it was in effect.
// Unlike the circuit breaker, quarantine never self-heals; an operator or
// the health monitor lifts it.
func (m *Manager) Lift(adapter string) bool {
	b := m.bulkheadFor(adapter)
	b.mu.Lock()
	wasQuarantined := b.quarantined
	b.quarantined = false
	b.failures = nil
	b.mu.Unlock()

	if wasQuarantined {
		m.logger.Info("quarantine lifted", zap.String("adapter", adapter))
		if m.onQuarantine != nil {
			m.onQuarantine(adapter, false)
		}
	}
	return wasQuarantined
}

// Quarantined reports whether the adapter is currently quarantined.
func (m *Manager) Quarantined(adapter string) bool {
	b := m.bulkheadFor(adapter)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quarantined
}

// Status is the operational view of one bulkhead.
type Status struct {
	Adapter        string     `json:"adapter"`
	Quarantined    bool       `json:"quarantined"`
	Since          *time.Time `json:"since,omitempty"`
	RecentFailures int        `json:"recent_failures"`
	Occupancy      int        `json:"occupancy"`
	Capacity       int        `json:"capacity"`
}

// StatusAll returns the status of every tracked bulkhead, for visibility only.
func (m *Manager) StatusAll() []Status {
	m.mu.Lock()
	names := make([]string, 0, len(m.bulkheads))
	for name := range m.bulkheads {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	cutoff := m.clock.Now().Add(-m.cfg.FailureWindow)
	out := make([]Status, 0, len(names))
	for _, name := range names {
		b := m.bulkheadFor(name)
		b.mu.Lock()
		recent := 0
		for _, ts := range b.failures {
			if ts.After(cutoff) {
				recent++
			}
		}
		st := Status{
			Adapter:        name,
			Quarantined:    b.quarantined,
			RecentFailures: recent,
			Occupancy:      len(b.sem),
			Capacity:       cap(b.sem),
		}
		if b.quarantined {
			since := b.since
			st.Since = &since
		}
		b.mu.Unlock()
		out = append(out, st)
	}
	return out
}
