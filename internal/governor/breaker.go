package governor

import (
	"time"

	"github.com/tsundoku-io/tsundoku/internal/config"
	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// circuit is the breaker state enum.
type circuit int

const (
	circuitClosed circuit = iota
	circuitHalfOpen
	circuitOpen
)

func (c circuit) String() string {
	switch c {
	case circuitClosed:
		return "closed"
	case circuitHalfOpen:
		return "half-open"
	case circuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (c circuit) metric() float64 {
	return float64(c)
}

type transition struct {
	from, to circuit
}

// breaker is the three-state circuit guard for one adapter. The asymmetry is
// deliberate: trip fast on consecutive failures, recover carefully through a
// single sequential trial call and several consecutive successes.
// All methods must be called with the owning rateState lock held.
type breaker struct {
	threshold           int
	timeout             time.Duration
	successesToClose    int
	state               circuit
	consecutiveFailures int
	halfOpenSuccesses   int
	trialInFlight       bool
	openedAt            time.Time
	pending             []transition
}

func newBreaker(limits config.GovernorLimits) *breaker {
	successes := limits.HalfOpenSuccesses
	if successes <= 0 {
		successes = 3
	}
	return &breaker{
		threshold:        limits.CircuitBreakerThreshold,
		timeout:          limits.BreakerTimeout(),
		successesToClose: successes,
		state:            circuitClosed,
	}
}

func (b *breaker) transitionTo(to circuit) {
	if b.state == to {
		return
	}
	b.pending = append(b.pending, transition{from: b.state, to: to})
	b.state = to
}

// refresh applies the open→half-open timeout edge without admitting a trial.
func (b *breaker) refresh(now time.Time) {
	if b.state == circuitOpen && now.Sub(b.openedAt) >= b.timeout {
		b.transitionTo(circuitHalfOpen)
		b.halfOpenSuccesses = 0
		b.trialInFlight = false
	}
}

// allow reports whether a call may be dispatched. The second return is true
// when the call was admitted as the half-open trial.
func (b *breaker) allow(now time.Time) (bool, error) {
	b.refresh(now)
	switch b.state {
	case circuitClosed:
		return false, nil
	case circuitOpen:
		return false, engine.ErrCircuitOpen
	default: // half-open admits exactly one trial at a time
		if b.trialInFlight {
			return false, engine.ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}
}

// cancelTrial releases an admitted trial that never dispatched.
func (b *breaker) cancelTrial() {
	b.trialInFlight = false
}

func (b *breaker) onSuccess(now time.Time) {
	switch b.state {
	case circuitHalfOpen:
		b.trialInFlight = false
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.successesToClose {
			b.transitionTo(circuitClosed)
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	default:
		b.consecutiveFailures = 0
	}
}

func (b *breaker) onFailure(now time.Time) {
	switch b.state {
	case circuitHalfOpen:
		// A single failed trial reopens and restarts the timeout clock.
		b.trialInFlight = false
		b.halfOpenSuccesses = 0
		b.transitionTo(circuitOpen)
		b.openedAt = now
	case circuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.transitionTo(circuitOpen)
			b.openedAt = now
		}
	case circuitOpen:
		// Late failure from a call dispatched before the trip; keep counting.
		b.consecutiveFailures++
	}
}

// takeTransitions drains and returns transitions recorded since the last call.
func (b *breaker) takeTransitions() []transition {
	out := b.pending
	b.pending = nil
	return out
}
