// Package events publishes invocation lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"queue-rebirth/internal/models"
)

// DefaultSubjectPrefix is prepended to every event type.
const DefaultSubjectPrefix = "rebirth.events"

// Event types.
const (
	TypePage      = "page"
	TypeResurrect = "resurrect"
	TypeFinished  = "finished"
)

// Event is one lifecycle notification. Only the fields relevant to Type are set.
type Event struct {
	Type    string    `json:"type"`
	StateID string    `json:"state_id"`
	Time    time.Time `json:"time"`

	RunID string `json:"run_id,omitempty"`
	Page  int    `json:"page,omitempty"`

	// Loaded, Failed and Reset describe a single page.
	Loaded    int              `json:"loaded,omitempty"`
	Failed    int              `json:"failed,omitempty"`
	Reset     int              `json:"reset,omitempty"`
	RunTotals *models.RunStats `json:"run_totals,omitempty"`

	Status      string `json:"status,omitempty"`
	Resurrected bool   `json:"resurrected,omitempty"`
	Error       string `json:"error,omitempty"`

	Totals *models.RunStats `json:"totals,omitempty"`
	Runs   int              `json:"runs,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes events as JSON on core NATS subjects
// "<prefix>.<type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher dials url and owns the connection.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("queue-rebirth"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	p := NewNATSPublisherWithConn(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisherWithConn publishes on an existing connection without taking ownership.
func NewNATSPublisherWithConn(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return Subject(p.prefix, eventType)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Flush()
	if p.owned {
		p.nc.Close()
	}
	return err
}

func Subject(prefix, eventType string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + eventType
}
