// Package eventbus carries session lifecycle events beyond the local
// websocket hub: to other server instances over Redis pub/sub and to
// downstream consumers over an AMQP fanout exchange.
package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/fitfull/consultation/internal/platform/websocket"
)

// Sink is a named event destination.
type Sink struct {
	Name      string
	Publisher websocket.EventPublisher
}

// Fanout publishes every event to each sink in order. A failing sink does
// not stop the others; all failures are returned joined.
type Fanout struct {
	sinks []Sink
}

// NewFanout builds a Fanout, skipping sinks with a nil publisher.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s.Publisher != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Publish implements websocket.EventPublisher.
func (f *Fanout) Publish(ctx context.Context, event websocket.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Names lists the configured sinks, for startup logging.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name
	}
	return names
}
