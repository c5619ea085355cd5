// Package nats publishes node events to a NATS server.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Config addresses the NATS server.
type Config struct {
	URL string
	// SubjectPrefix is prepended to every event subject, e.g. labnode.ot2_alpha.
	SubjectPrefix string
	// Name identifies the connection on the server.
	Name string
}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	IsClosed() bool
	Drain() error
	Close()
}

// Publisher sends JSON payloads as NATS messages.
type Publisher struct {
	nc     conn
	prefix string
	logger *zap.Logger
}

// New connects to the server and keeps reconnecting for the life of the
// process.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newWithConn(nc, cfg.SubjectPrefix, logger), nil
}

func newWithConn(nc conn, prefix string, logger *zap.Logger) *Publisher {
	return &Publisher{nc: nc, prefix: strings.Trim(prefix, "."), logger: logger}
}

// Subject maps an event subject onto the NATS subject space.
func (p *Publisher) Subject(subject string) string {
	subject = strings.ToLower(subject)
	if p.prefix == "" {
		return subject
	}
	return p.prefix + "." + subject
}

// Publish marshals payload to JSON and publishes it with the trace context in
// the message headers. NATS assigns no message ids, so the subject is
// returned instead.
func (p *Publisher) Publish(ctx context.Context, subject string, payload any) (string, error) {
	if p.nc == nil || p.nc.IsClosed() {
		return "", fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(p.Subject(subject))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	if err := p.nc.PublishMsg(msg); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return msg.Subject, nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc == nil || p.nc.IsClosed() {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("nats drain failed", zap.Error(err))
	}
	p.nc.Close()
}

// headerCarrier implements propagation.TextMapCarrier for NATS headers.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string {
	return nats.Header(c).Get(key)
}

func (c headerCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
