package health

import (
	"time"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

// Score weighting. Success rate dominates; recency of the last success and
// the current failure streak make up the rest.
const (
	successWeight = 0.60
	recencyWeight = 0.25
	failureWeight = 0.15

	// recencyHorizon is how long after the last success the recency term
	// decays to zero.
	recencyHorizon = 24 * time.Hour

	// pointsPerFailure is deducted from the failure term for each
	// consecutive failure.
	pointsPerFailure = 3.0
)

// Score computes a composite health score in [0, 100] for one adapter.
// Each term is bounded and monotonic: a higher success rate, a more recent
// success, or a shorter failure streak never lowers the score.
func Score(record engine.HealthRecord, now time.Time) float64 {
	success := clamp01(record.SuccessRate) * 100

	recency := 0.0
	if record.LastSuccess != nil {
		elapsed := now.Sub(*record.LastSuccess)
		if elapsed < 0 {
			elapsed = 0
		}
		frac := 1 - float64(elapsed)/float64(recencyHorizon)
		recency = clamp01(frac) * 100
	}

	failure := 100 - pointsPerFailure*float64(record.ConsecutiveFailures)
	if failure < 0 {
		failure = 0
	}

	return successWeight*success + recencyWeight*recency + failureWeight*failure
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
