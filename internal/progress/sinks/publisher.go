package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/progress"
)

// PublisherSink forwards lifecycle events to the external notification
// boundary (e.g. Pub/Sub pushed to connected clients). Delivery mechanics
// beyond a well-formed, per-job-ordered payload are out of scope here.
type PublisherSink struct {
	publisher engine.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for the provided topic.
func NewPublisherSink(publisher engine.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes each event in order. Batch order preserves per-job and
// per-adapter emit order, so sequential publishing keeps the contract.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		payload := map[string]any{
			"stage":     string(evt.Stage),
			"timestamp": evt.TS.Format(time.RFC3339Nano),
		}
		if evt.JobID != "" {
			payload["job_id"] = evt.JobID
		}
		if evt.Adapter != "" {
			payload["adapter"] = evt.Adapter
		}
		if evt.Status != "" {
			payload["status"] = evt.Status
		}
		if evt.Progress > 0 {
			payload["progress"] = evt.Progress
		}
		if evt.Note != "" {
			payload["note"] = evt.Note
		}
		if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
