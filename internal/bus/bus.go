// Package bus publishes pipeline events over NATS. Publication is
// best-effort: a failed publish is logged and never fails the caller's
// operation.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/worker"
)

// Topics carried on the bus.
const (
	SubjectEvalComplete = "evaluation:complete"
	SubjectEvalFailed   = "evaluation:failed"
	SubjectLifecycle    = "system:lifecycle"
)

// LifecycleEvent is the payload on SubjectLifecycle.
type LifecycleEvent struct {
	Event     string    `json:"event"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is a thin JSON publisher over one NATS connection.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials NATS with reconnect enabled.
func Connect(url string, log zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("stratpipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return NewPublisher(nc, log), nil
}

// NewPublisher wraps an existing connection; the caller keeps ownership of
// its lifecycle unless Close is used.
func NewPublisher(nc *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{nc: nc, log: log.With().Str("component", "bus").Logger()}
}

// Publish sends one JSON message. Failures are logged, never propagated.
func (p *Publisher) Publish(subject string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("Event encode failed")
		return
	}
	if err := p.nc.Publish(subject, raw); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Event publish failed")
	}
}

// Completed publishes a deduplicated successful evaluation. Implements
// worker.ResultSink.
func (p *Publisher) Completed(_ context.Context, res *worker.EvalResult) {
	p.Publish(SubjectEvalComplete, res)
}

// Failed publishes a terminal evaluation failure.
func (p *Publisher) Failed(_ context.Context, res *worker.EvalResult) {
	p.Publish(SubjectEvalFailed, res)
}

// Lifecycle publishes a system lifecycle event.
func (p *Publisher) Lifecycle(event, name string) {
	p.Publish(SubjectLifecycle, LifecycleEvent{
		Event:     event,
		Name:      name,
		Timestamp: time.Now().UTC(),
	})
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.log.Warn().Err(err).Msg("Flush on close failed")
	}
	p.nc.Close()
}
