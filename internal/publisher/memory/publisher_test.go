package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	pub := New()

	id, err := pub.Publish(context.Background(), "job-events", map[string]string{"stage": "job-start"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id)

	id, err = pub.Publish(context.Background(), "health-events", "probe ok")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "job-events", msgs[0].Topic)
	assert.Equal(t, "health-events", msgs[1].Topic)
}

func TestMessagesReturnsCopy(t *testing.T) {
	t.Parallel()
	pub := New()
	_, err := pub.Publish(context.Background(), "job-events", nil)
	require.NoError(t, err)

	pub.Messages()[0].Topic = "mutated"
	assert.Equal(t, "job-events", pub.Messages()[0].Topic)
}
