// Package sink provides publishers that receive records from the record
// handler: a log sink (the default), a Redis stream sink, a PostgreSQL sink
// and a fan-out sink.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNilClient is returned when a sink is created without its client.
	ErrNilClient = errors.New("sink: client is required")

	// ErrNoSinks is returned by NewMultiSink when no sinks are given.
	ErrNoSinks = errors.New("sink: at least one sink is required")
)

// publishTotal counts publish attempts by sink and result.
var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trailpoll_sink_publish_total",
	Help: "Total publish attempts by sink and result (ok, transient, error)",
}, []string{"sink", "result"})

// Sink publishes a single record.
type Sink interface {
	Publish(ctx context.Context, rec record.Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec record.Record) error

// Publish calls f(ctx, rec).
func (f SinkFunc) Publish(ctx context.Context, rec record.Record) error {
	return f(ctx, rec)
}

// TransientError marks a publish failure that may succeed if attempted again,
// such as a dropped connection.
type TransientError struct {
	Sink string
	Err  error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s sink transient error: %v", e.Sink, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err, or any error it wraps, is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// observe records the publish result and returns err unchanged.
func observe(name string, err error) error {
	switch {
	case err == nil:
		publishTotal.WithLabelValues(name, "ok").Inc()
	case IsTransient(err):
		publishTotal.WithLabelValues(name, "transient").Inc()
	default:
		publishTotal.WithLabelValues(name, "error").Inc()
	}
	return err
}
