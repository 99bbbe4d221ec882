// Package governor implements per-adapter admission control: bounded
// concurrency, minimum inter-call spacing, a sliding per-minute window, a
// burst allowance, and a circuit breaker with adaptive spacing adjustment.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsundoku-io/tsundoku/internal/config"
	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
)

// TransitionFunc is invoked on every circuit state change.
type TransitionFunc func(adapter, from, to string)

// Config holds governor construction parameters.
type Config struct {
	Defaults   config.GovernorLimits
	PerAdapter map[string]config.GovernorLimits
}

// Governor manages per-adapter rate state. All mutation happens through
// Acquire/Release; callers never reach into state directly.
type Governor struct {
	mu           sync.Mutex
	states       map[string]*rateState
	cfg          Config
	clock        engine.Clock
	logger       *zap.Logger
	onTransition TransitionFunc
}

// rateState is the exclusively-owned admission state for one adapter.
type rateState struct {
	mu sync.Mutex

	limits config.GovernorLimits

	sem         chan struct{} // concurrency ceiling
	lastPlanned time.Time     // most recent reserved dispatch instant
	window      []time.Time   // reserved dispatch instants within the last minute
	burst       *rate.Limiter // burst_limit per burst_window
	spacing     time.Duration // current adaptive minimum spacing
	breaker     *breaker
	adaptive    *adaptiveController
}

// New constructs a Governor. The transition callback may be nil.
func New(cfg Config, clock engine.Clock, logger *zap.Logger, onTransition TransitionFunc) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		states:       make(map[string]*rateState),
		cfg:          cfg,
		clock:        clock,
		logger:       logger,
		onTransition: onTransition,
	}
}

func (g *Governor) limitsFor(adapter string) config.GovernorLimits {
	if l, ok := g.cfg.PerAdapter[adapter]; ok {
		return l
	}
	return g.cfg.Defaults
}

func (g *Governor) state(adapter string) *rateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[adapter]
	if !ok {
		limits := g.limitsFor(adapter)
		burstWindow := limits.BurstWindow()
		if burstWindow <= 0 {
			burstWindow = time.Second
		}
		burstLimit := limits.BurstLimit
		if burstLimit <= 0 {
			burstLimit = 1
		}
		st = &rateState{
			limits:  limits,
			sem:     make(chan struct{}, limits.MaxConcurrent),
			burst:   rate.NewLimiter(rate.Limit(float64(burstLimit)/burstWindow.Seconds()), burstLimit),
			spacing: limits.MinTime(),
			breaker: newBreaker(limits),
		}
		if limits.AdaptiveAdjustment {
			st.adaptive = newAdaptiveController(limits)
		}
		g.states[adapter] = st
	}
	return st
}

// Acquire blocks until the adapter may be called, or fails fast when the
// circuit is open. A context expiry never leaks a concurrency slot.
func (g *Governor) Acquire(ctx context.Context, adapter string) error {
	st := g.state(adapter)
	now := g.clock.Now()
	start := time.Now()

	// Breaker first: an open circuit rejects without consuming anything.
	st.mu.Lock()
	trial, err := st.breaker.allow(now)
	st.mu.Unlock()
	if err != nil {
		g.noteTransitions(adapter, st)
		return fmt.Errorf("adapter %s: %w", adapter, err)
	}

	// Concurrency ceiling.
	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		g.cancelTrial(st, trial)
		return acquireTimeout(adapter, ctx)
	}

	// Reserve a dispatch instant satisfying spacing and the minute window.
	res := g.reserve(st)
	if wait := res.at.Sub(g.clock.Now()); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-st.sem
			g.unreserve(st, res)
			g.cancelTrial(st, trial)
			return acquireTimeout(adapter, ctx)
		}
	}

	// Burst allowance. Wait returns its token on cancellation; only the
	// reservation needs handing back.
	if err := st.burst.Wait(ctx); err != nil {
		<-st.sem
		g.unreserve(st, res)
		g.cancelTrial(st, trial)
		return acquireTimeout(adapter, ctx)
	}

	g.noteTransitions(adapter, st)
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(adapter, waited)
	}
	return nil
}

// reservation records what reserve consumed so an abandoned acquire can
// hand the budget back.
type reservation struct {
	at          time.Time
	prevPlanned time.Time
	windowed    bool
}

// reserve computes and records the next permissible dispatch instant for the
// adapter, honoring spacing and the rolling one-minute cap.
func (g *Governor) reserve(st *rateState) reservation {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.clock.Now()
	at := now
	if next := st.lastPlanned.Add(st.spacing); next.After(at) {
		at = next
	}

	res := reservation{prevPlanned: st.lastPlanned}
	if max := st.limits.MaxRequestsPerMinute; max > 0 {
		cutoff := at.Add(-time.Minute)
		trimmed := st.window[:0]
		for _, ts := range st.window {
			if ts.After(cutoff) {
				trimmed = append(trimmed, ts)
			}
		}
		st.window = trimmed
		if len(st.window) >= max {
			if next := st.window[len(st.window)-max].Add(time.Minute); next.After(at) {
				at = next
			}
		}
		st.window = append(st.window, at)
		res.windowed = true
	}

	st.lastPlanned = at
	res.at = at
	return res
}

// unreserve reclaims the spacing and window budget of a reservation whose
// acquire was abandoned before dispatch. Reservations planned after this one
// keep their instants; only this slot's budget is returned.
func (g *Governor) unreserve(st *rateState, res reservation) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if res.windowed {
		for i := len(st.window) - 1; i >= 0; i-- {
			if st.window[i].Equal(res.at) {
				st.window = append(st.window[:i], st.window[i+1:]...)
				break
			}
		}
	}
	if st.lastPlanned.Equal(res.at) {
		st.lastPlanned = res.prevPlanned
	}
}

// Release records the outcome of a dispatched call, decrements concurrency,
// and feeds the breaker and the adaptive controller.
func (g *Governor) Release(adapter string, success bool, responseTime time.Duration) {
	st := g.state(adapter)
	select {
	case <-st.sem:
	default:
		g.logger.Warn("release without matching acquire", zap.String("adapter", adapter))
	}

	now := g.clock.Now()
	st.mu.Lock()
	if success {
		st.breaker.onSuccess(now)
	} else {
		st.breaker.onFailure(now)
	}
	if st.adaptive != nil {
		if spacing, adjusted := st.adaptive.record(success, responseTime, st.spacing); adjusted {
			g.logger.Debug("adaptive spacing adjusted",
				zap.String("adapter", adapter),
				zap.Duration("from", st.spacing),
				zap.Duration("to", spacing),
			)
			st.spacing = spacing
		}
	}
	st.mu.Unlock()

	g.noteTransitions(adapter, st)
	metrics.ObserveAdapterCall(adapter, success, responseTime)
}

// cancelTrial undoes a half-open trial admission that never dispatched.
func (g *Governor) cancelTrial(st *rateState, trial bool) {
	if !trial {
		return
	}
	st.mu.Lock()
	st.breaker.cancelTrial()
	st.mu.Unlock()
}

// noteTransitions flushes pending breaker transitions to metrics/callback.
func (g *Governor) noteTransitions(adapter string, st *rateState) {
	st.mu.Lock()
	pending := st.breaker.takeTransitions()
	state := st.breaker.state
	st.mu.Unlock()
	for _, tr := range pending {
		metrics.ObserveCircuitTransition(adapter, tr.from.String(), tr.to.String())
		g.logger.Info("circuit transition",
			zap.String("adapter", adapter),
			zap.String("from", tr.from.String()),
			zap.String("to", tr.to.String()),
		)
		if g.onTransition != nil {
			g.onTransition(adapter, tr.from.String(), tr.to.String())
		}
	}
	if len(pending) > 0 {
		metrics.SetCircuitState(adapter, state.metric())
	}
}

// CircuitState reports the adapter's current breaker state.
func (g *Governor) CircuitState(adapter string) string {
	st := g.state(adapter)
	st.mu.Lock()
	defer st.mu.Unlock()
	// Surface open→half-open lazily so status reads match admission behavior.
	st.breaker.refresh(g.clock.Now())
	return st.breaker.state.String()
}

// Snapshot is a point-in-time view of one adapter's rate state.
type Snapshot struct {
	Adapter             string        `json:"adapter"`
	InFlight            int           `json:"in_flight"`
	MaxConcurrent       int           `json:"max_concurrent"`
	Spacing             time.Duration `json:"spacing"`
	WindowCount         int           `json:"window_count"`
	CircuitState        string        `json:"circuit_state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// SnapshotFor returns operational visibility for one adapter.
func (g *Governor) SnapshotFor(adapter string) Snapshot {
	st := g.state(adapter)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.breaker.refresh(g.clock.Now())
	return Snapshot{
		Adapter:             adapter,
		InFlight:            len(st.sem),
		MaxConcurrent:       cap(st.sem),
		Spacing:             st.spacing,
		WindowCount:         len(st.window),
		CircuitState:        st.breaker.state.String(),
		ConsecutiveFailures: st.breaker.consecutiveFailures,
	}
}

func acquireTimeout(adapter string, ctx context.Context) error {
	return fmt.Errorf("adapter %s: %w: %v", adapter, engine.ErrRateLimitTimeout, ctx.Err())
}
