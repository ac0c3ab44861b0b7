package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"pkt.systems/pslog"

	"pkt.systems/sessiond/internal/svcfields"
)

// NATSPublisher publishes events to a NATS subject hierarchy of the form
// events.<kind>.<application>.<device>.<channel>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger pslog.Logger
}

// NATSOption customizes a NATSPublisher.
type NATSOption func(*natsOptions)

type natsOptions struct {
	prefix   string
	logger   pslog.Logger
	natsOpts []nats.Option
}

// WithSubjectPrefix overrides the default "events" subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(o *natsOptions) { o.prefix = prefix }
}

// WithNATSLogger sets the logger used for connection lifecycle messages.
func WithNATSLogger(logger pslog.Logger) NATSOption {
	return func(o *natsOptions) { o.logger = logger }
}

// WithConnOptions appends raw nats.Options (credentials, TLS) to the dial.
func WithConnOptions(opts ...nats.Option) NATSOption {
	return func(o *natsOptions) { o.natsOpts = append(o.natsOpts, opts...) }
}

// NewNATSPublisher dials the NATS server and returns a ready publisher.
func NewNATSPublisher(url string, opts ...NATSOption) (*NATSPublisher, error) {
	options := natsOptions{prefix: "events", logger: pslog.NoopLogger()}
	for _, opt := range opts {
		opt(&options)
	}
	logger := svcfields.WithSubsystem(options.logger, "events.nats")
	connOpts := append([]nats.Option{
		nats.Name("sessiond"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}, options.natsOpts...)
	conn, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: options.prefix, logger: logger}, nil
}

// Publish sends one event. Delivery is fire-and-forget at the NATS level; the
// caller decides whether a failed publish aborts the triggering operation.
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	msg := nats.NewMsg(p.subject(event))
	msg.Data = event.Payload
	if event.Type != "" {
		msg.Header.Set("Event-Type", event.Type)
	}
	if event.ContentType != "" {
		msg.Header.Set("Content-Type", event.ContentType)
	}
	if !event.Time.IsZero() {
		msg.Header.Set("Event-Time", event.Time.UTC().Format(time.RFC3339Nano))
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection, flushing buffered messages.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

func (p *NATSPublisher) subject(event Event) string {
	parts := []string{
		p.prefix,
		string(event.Kind),
		sanitizeToken(event.Application),
		sanitizeToken(event.Device),
		sanitizeToken(event.Channel),
	}
	return strings.Join(parts, ".")
}

// sanitizeToken makes an arbitrary name safe as a single NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
