// Package nats publishes lead lifecycle events to NATS subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ericfisherdev/leadbridge/internal/domain/model"
	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EventPublisher = (*Publisher)(nil)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "leadbridge"

// conn is the subset of *nats.Conn the publisher needs.
type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends each LeadEvent as JSON to "{prefix}.lead.{type}".
type Publisher struct {
	nc     conn
	prefix string
}

// Connect dials NATS with reconnect handling that logs through slog.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher creates a Publisher on nc. An empty prefix uses DefaultSubjectPrefix.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	return newPublisher(nc, prefix)
}

func newPublisher(nc conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event of type typ is published on.
func (p *Publisher) Subject(typ model.LeadEventType) string {
	return p.prefix + ".lead." + string(typ)
}

// Publish encodes event and publishes it. Delivery is at-most-once.
func (p *Publisher) Publish(_ context.Context, event model.LeadEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode lead event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event.Type), data); err != nil {
		return fmt.Errorf("publish lead event: %w", err)
	}
	return nil
}
