package sinks

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/progress"
)

// PublishSink forwards every event to a broker, one message per event, using
// the stage as the message subject. The trace context captured on the event
// is restored before publishing.
type PublishSink struct {
	publisher node.Publisher
	logger    *zap.Logger
	closer    func()
}

// NewPublishSink constructs a PublishSink. closer, when non-nil, is invoked on
// Close to flush and release the publisher.
func NewPublishSink(publisher node.Publisher, logger *zap.Logger, closer func()) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, logger: logger, closer: closer}
}

// Consume publishes the batch in order and stops at the first failure.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for i, evt := range batch {
		msgCtx := ctx
		if len(evt.Trace) > 0 {
			msgCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(evt.Trace))
		}
		id, err := s.publisher.Publish(msgCtx, string(evt.Stage), evt)
		if err != nil {
			return fmt.Errorf("publish %s event (%d of %d): %w", evt.Stage, i+1, len(batch), err)
		}
		s.logger.Debug("progress event published", zap.String("stage", string(evt.Stage)), zap.String("message_id", id))
	}
	return nil
}

// Close releases the publisher.
func (s *PublishSink) Close(context.Context) error {
	if s != nil && s.closer != nil {
		s.closer()
	}
	return nil
}
