package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	p := NewBackoffPolicy(100*time.Millisecond, 800*time.Millisecond)

	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Delay(attempt)
		// Half the capped exponential delay plus up to the same again in jitter.
		exp := 100 * time.Millisecond << (attempt - 1)
		if exp > 800*time.Millisecond {
			exp = 800 * time.Millisecond
		}
		assert.GreaterOrEqual(t, d, exp/2, "attempt %d", attempt)
		assert.Less(t, d, exp+time.Millisecond, "attempt %d", attempt)
	}
}

func TestBackoffRetryable(t *testing.T) {
	p := NewBackoffPolicy(0, 0)

	assert.False(t, p.Retryable(nil))
	assert.False(t, p.Retryable(context.Canceled))
	assert.True(t, p.Retryable(context.DeadlineExceeded))
	assert.True(t, p.Retryable(errors.New("upstream 500")))
}
