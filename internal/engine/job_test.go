package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTypeCategory(t *testing.T) {
	t.Parallel()
	assert.Equal(t, CategoryDownload, JobTypeDownload.Category())
	assert.Equal(t, CategoryDownload, JobTypeDownloadSeries.Category())
	assert.Equal(t, CategoryHealthCheck, JobTypeHealthCheck.Category())
	assert.Equal(t, CategoryMaintenance, JobTypeOrganize.Category())
	assert.Equal(t, CategoryMaintenance, JobType("anything-else").Category())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []JobStatus{JobStatusCompleted, JobStatusCompletedPartial, JobStatusFailed, JobStatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []JobStatus{JobStatusPending, JobStatusRunning, JobStatusPaused} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 90*time.Second, Job{TimeoutSeconds: 90}.Timeout())
	assert.Equal(t, time.Duration(0), Job{}.Timeout())
}

func TestAdapterCallErrorUnwraps(t *testing.T) {
	t.Parallel()
	err := NewAdapterCallError("source-a", CapabilitySearch, ErrCircuitOpen)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "source-a")
	assert.Contains(t, err.Error(), "search")

	var callErr *AdapterCallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, CapabilitySearch, callErr.Op)
}

func TestTierString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "primary", TierPrimary.String())
	assert.Equal(t, "secondary", TierSecondary.String())
	assert.Equal(t, "tertiary", TierTertiary.String())
	assert.Equal(t, "unknown", Tier(9).String())
}
