package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/trailpoll/pkg/record"
)

// MultiSink publishes every record to all of its sinks in order. A failing
// sink does not stop the others; the failures are joined.
type MultiSink struct {
	sinks []Sink
}

var _ Sink = (*MultiSink)(nil)

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) (*MultiSink, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	for i, s := range sinks {
		if s == nil {
			return nil, fmt.Errorf("sink %d is nil", i)
		}
	}
	return &MultiSink{sinks: sinks}, nil
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// Publish publishes rec to every sink. The result is transient if any
// failure is transient.
func (m *MultiSink) Publish(ctx context.Context, rec record.Record) error {
	var errs []error
	for i, s := range m.sinks {
		if err := s.Publish(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
