package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clock "github.com/tsundoku-io/tsundoku/internal/clock/system"
	"github.com/tsundoku-io/tsundoku/internal/progress"
)

type captureEmitter struct {
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.events = append(c.events, evt)
}

func TestCircuitEventFunc(t *testing.T) {
	emitter := &captureEmitter{}
	fn := circuitEventFunc(emitter, clock.Clock{})

	fn("source-a", "closed", "open")

	require.Len(t, emitter.events, 1)
	evt := emitter.events[0]
	require.NoError(t, evt.Validate())
	assert.Equal(t, progress.StageCircuit, evt.Stage)
	assert.Equal(t, "source-a", evt.Adapter)
	assert.Equal(t, "open", evt.Status)
	assert.Equal(t, "closed -> open", evt.Note)
}

func TestQuarantineEventFunc(t *testing.T) {
	emitter := &captureEmitter{}
	fn := quarantineEventFunc(emitter, clock.Clock{})

	fn("source-b", true)
	fn("source-b", false)

	require.Len(t, emitter.events, 2)
	for _, evt := range emitter.events {
		require.NoError(t, evt.Validate())
		assert.Equal(t, progress.StageQuarantine, evt.Stage)
		assert.Equal(t, "source-b", evt.Adapter)
	}
	assert.Equal(t, "quarantined", emitter.events[0].Status)
	assert.Equal(t, "cleared", emitter.events[1].Status)
}

func TestTierFromString(t *testing.T) {
	assert.Equal(t, "primary", tierFromString("primary").String())
	assert.Equal(t, "tertiary", tierFromString("tertiary").String())
	assert.Equal(t, "secondary", tierFromString("").String())
	assert.Equal(t, "secondary", tierFromString("weird").String())
}
