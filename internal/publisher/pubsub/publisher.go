// Package pubsub publishes node events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// Message attributes set on every event.
const (
	SubjectAttribute = "subject"
	NodeAttribute    = "node"
)

// Publisher sends one node's events to a topic. Messages carry the node alias
// as ordering key, so subscribers with ordering enabled see that node's status
// changes in the order they happened.
type Publisher struct {
	topic *pubsub.Topic
	node  string
}

// New returns a Publisher for node on topic and enables ordered delivery on
// the topic handle.
func New(topic *pubsub.Topic, node string) *Publisher {
	if topic != nil {
		topic.EnableMessageOrdering = true
	}
	return &Publisher{topic: topic, node: node}
}

// Publish sends payload as JSON with the subject, node alias and trace
// context as attributes, and returns the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if p.topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", subject, err)
	}

	attrs := map[string]string{}
	if subject != "" {
		attrs[SubjectAttribute] = subject
	}
	if p.node != "" {
		attrs[NodeAttribute] = p.node
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(attrs))

	id, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: p.node,
	}).Get(ctx)
	if err != nil {
		// A failed ordered publish pauses the key until resumed.
		if p.node != "" {
			p.topic.ResumePublish(p.node)
		}
		return "", fmt.Errorf("publish %s event: %w", subject, err)
	}
	return id, nil
}

// Stop flushes pending messages and releases the topic's goroutines.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string { return c[key] }

func (c attributeCarrier) Set(key, value string) { c[key] = value }

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
