package isolation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsundoku-io/tsundoku/internal/clock/clocktest"
	"github.com/tsundoku-io/tsundoku/internal/clock/system"
	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
)

func testConfig() Config {
	return Config{
		MaxConcurrentRequests: 2,
		Timeout:               time.Second,
		FailureWindow:         time.Minute,
		FailureThreshold:      3,
	}
}

func TestBulkheadCapsConcurrency(t *testing.T) {
	t.Parallel()
	metrics.Init()
	m := New(testConfig(), system.Clock{}, nil, nil)
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Execute(ctx, "busy", func(context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestClusteredFailuresQuarantine(t *testing.T) {
	t.Parallel()
	metrics.Init()
	clk := clocktest.New(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	var flips []bool
	m := New(testConfig(), clk, nil, func(_ string, quarantined bool) {
		flips = append(flips, quarantined)
	})
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := m.Execute(ctx, "flaky", func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom, "errors are re-raised, not swallowed")
	}
	require.True(t, m.Quarantined("flaky"))
	require.Equal(t, []bool{true}, flips)

	// New operations are rejected with a typed error.
	err := m.Execute(ctx, "flaky", func(context.Context) error { return nil })
	require.ErrorIs(t, err, engine.ErrAdapterUnavailable)

	// Quarantine does not self-heal; it must be lifted.
	clk.Advance(time.Hour)
	require.True(t, m.Quarantined("flaky"))
	m.Lift("flaky")
	require.False(t, m.Quarantined("flaky"))
	require.Equal(t, []bool{true, false}, flips)
	require.NoError(t, m.Execute(ctx, "flaky", func(context.Context) error { return nil }))
}

func TestSpreadFailuresDoNotQuarantine(t *testing.T) {
	t.Parallel()
	metrics.Init()
	clk := clocktest.New(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	m := New(testConfig(), clk, nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	// Failures spaced wider than the window never cluster.
	for i := 0; i < 6; i++ {
		_ = m.Execute(ctx, "slow-burn", func(context.Context) error { return boom })
		clk.Advance(2 * time.Minute)
	}
	assert.False(t, m.Quarantined("slow-burn"))
}

func TestExecuteAppliesTimeout(t *testing.T) {
	t.Parallel()
	metrics.Init()
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	m := New(cfg, system.Clock{}, nil, nil)

	err := m.Execute(context.Background(), "stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusAllReportsPatternAndOccupancy(t *testing.T) {
	t.Parallel()
	metrics.Init()
	clk := clocktest.New(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
	m := New(testConfig(), clk, nil, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	_ = m.Execute(ctx, "a", func(context.Context) error { return boom })
	_ = m.Execute(ctx, "b", func(context.Context) error { return nil })

	statuses := m.StatusAll()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].Adapter)
	assert.Equal(t, 1, statuses[0].RecentFailures)
	assert.False(t, statuses[0].Quarantined)
	assert.Equal(t, 2, statuses[0].Capacity)
	assert.Equal(t, 0, statuses[1].RecentFailures)
}

func TestRejectedAcquireDoesNotLeak(t *testing.T) {
	t.Parallel()
	metrics.Init()
	cfg := testConfig()
	cfg.MaxConcurrentRequests = 1
	m := New(cfg, system.Clock{}, nil, nil)

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Execute(context.Background(), "full", func(context.Context) error {
			<-block
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Execute(ctx, "full", func(context.Context) error { return nil })
	require.ErrorIs(t, err, engine.ErrRateLimitTimeout)

	close(block)
	<-done
	require.NoError(t, m.Execute(context.Background(), "full", func(context.Context) error { return nil }))
}
