package governor

import (
	"time"

	"github.com/tsundoku-io/tsundoku/internal/config"
)

// Adaptive controller thresholds. The exact step sizes are a smoothing
// choice; the contract is direction, bounds, and monotonic response to the
// rolling success rate.
const (
	adaptiveGoodSuccessRate = 0.90
	adaptiveBadSuccessRate  = 0.70
	adaptiveSlowResponse    = 2 * time.Second
	adaptiveIncreaseFactor  = 1.5
	adaptiveDecreaseFactor  = 0.9
)

// adaptiveController recomputes minimum spacing after every
// min_adjustment_requests completed calls. Called with the rateState lock held.
type adaptiveController struct {
	floor        time.Duration
	ceiling      time.Duration
	windowSize   int
	successes    int
	failures     int
	totalLatency time.Duration
}

func newAdaptiveController(limits config.GovernorLimits) *adaptiveController {
	window := limits.MinAdjustmentRequests
	if window <= 0 {
		window = 20
	}
	floor := time.Duration(limits.AdaptiveFloorMs) * time.Millisecond
	ceiling := time.Duration(limits.AdaptiveCeilingMs) * time.Millisecond
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}
	return &adaptiveController{
		floor:      floor,
		ceiling:    ceiling,
		windowSize: window,
	}
}

// record adds one outcome and, at window boundaries, returns a new spacing
// and true. Spacing never leaves [floor, ceiling]; a lower success rate never
// yields a smaller spacing than a higher one for the same window.
func (a *adaptiveController) record(success bool, latency time.Duration, current time.Duration) (time.Duration, bool) {
	if success {
		a.successes++
	} else {
		a.failures++
	}
	a.totalLatency += latency

	total := a.successes + a.failures
	if total < a.windowSize {
		return current, false
	}

	successRate := float64(a.successes) / float64(total)
	avgLatency := a.totalLatency / time.Duration(total)
	a.successes, a.failures, a.totalLatency = 0, 0, 0

	switch {
	case successRate < adaptiveBadSuccessRate || avgLatency > adaptiveSlowResponse:
		next := time.Duration(float64(current) * adaptiveIncreaseFactor)
		if next <= current {
			next = current + time.Millisecond
		}
		return clampSpacing(next, a.floor, a.ceiling), true
	case successRate >= adaptiveGoodSuccessRate && avgLatency <= adaptiveSlowResponse:
		next := time.Duration(float64(current) * adaptiveDecreaseFactor)
		return clampSpacing(next, a.floor, a.ceiling), true
	default:
		return current, false
	}
}

func clampSpacing(d, floor, ceiling time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
