package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tsundoku-io/tsundoku/internal/engine"
)

func TestScoreBounds(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	perfect := engine.HealthRecord{SuccessRate: 1.0, LastSuccess: &now}
	assert.InDelta(t, 100, Score(perfect, now), 0.001)

	dead := engine.HealthRecord{SuccessRate: 0, ConsecutiveFailures: 100}
	assert.Equal(t, 0.0, Score(dead, now))

	// Out-of-range inputs clamp rather than overflow.
	weird := engine.HealthRecord{SuccessRate: 1.5, LastSuccess: &now}
	assert.LessOrEqual(t, Score(weird, now), 100.0)
}

func TestScoreMonotonicInSuccessRate(t *testing.T) {
	now := time.Now().UTC()
	prev := -1.0
	for _, rate := range []float64{0, 0.25, 0.5, 0.75, 1.0} {
		s := Score(engine.HealthRecord{SuccessRate: rate, LastSuccess: &now}, now)
		assert.Greater(t, s, prev, "rate %.2f", rate)
		prev = s
	}
}

func TestScoreRecencyDecay(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-time.Hour)
	old := now.Add(-12 * time.Hour)
	ancient := now.Add(-48 * time.Hour)

	base := engine.HealthRecord{SuccessRate: 0.9}

	withSuccess := func(ts time.Time) engine.HealthRecord {
		r := base
		r.LastSuccess = &ts
		return r
	}

	sRecent := Score(withSuccess(recent), now)
	sOld := Score(withSuccess(old), now)
	sAncient := Score(withSuccess(ancient), now)
	sNever := Score(base, now)

	assert.Greater(t, sRecent, sOld)
	assert.Greater(t, sOld, sAncient)
	assert.Equal(t, sAncient, sNever, "beyond the horizon the recency term is zero")
}

func TestScoreFailureStreakPenalty(t *testing.T) {
	now := time.Now().UTC()
	base := engine.HealthRecord{SuccessRate: 0.9, LastSuccess: &now}

	healthy := Score(base, now)
	base.ConsecutiveFailures = 4
	streaky := Score(base, now)

	assert.Greater(t, healthy, streaky)
	// 4 failures * 3 points * 0.15 weight.
	assert.InDelta(t, healthy-streaky, 4*3*0.15, 0.001)
}
