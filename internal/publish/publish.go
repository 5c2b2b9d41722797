// Package publish fans heart-rate samples out to external subscribers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject prefix samples are published under.
const DefaultPrefix = "pulse.metrics"

// Metric is one published heart-rate sample.
type Metric struct {
	Session     string    `json:"session"`
	Mode        string    `json:"mode"`
	Measurement string    `json:"measurement_id,omitempty"`
	At          time.Time `json:"ts"`
	BPM         float64   `json:"bpm"`
	Confidence  float64   `json:"confidence"`
}

// Publisher delivers metrics. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, m Metric) error
	Close()
}

// Nop discards every metric.
type Nop struct{}

func (Nop) Publish(context.Context, Metric) error { return nil }
func (Nop) Close()                                {}

// msgPublisher is the subset of *nats.Conn used here.
type msgPublisher interface {
	Publish(subj string, data []byte) error
}

// NATS publishes each metric as JSON on <prefix>.<session>.
type NATS struct {
	conn   msgPublisher
	nc     *nats.Conn
	prefix string
}

// Connect dials url with reconnects enabled.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("pulse"),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATS{conn: nc, nc: nc, prefix: prefix}, nil
}

func (p *NATS) Subject(session string) string {
	return p.prefix + "." + session
}

func (p *NATS) Publish(_ context.Context, m Metric) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.Subject(m.Session), b)
}

// Close flushes pending messages and closes the connection.
func (p *NATS) Close() {
	if p.nc != nil {
		p.nc.Drain()
	}
}
