// Package handler defines the single-record processor applied by the stream
// to every fetched record, and the classification of its failures.
//
// A handler failure never stops the stream. Retryable failures are
// suppressed; other failures are logged. In both cases the record counts as
// consumed.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/Sternrassler/trailpoll/pkg/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrRetryable marks a handler failure that may succeed on a later attempt.
// Return it directly, wrap it with %w, or use Retryable.
var ErrRetryable = errors.New("retryable handler error")

// outcomesTotal counts handled records by outcome.
var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trailpoll_handler_outcomes_total",
	Help: "Total records handled by outcome (processed, retryable, fatal)",
}, []string{"outcome"})

// Handler processes one record.
type Handler interface {
	Handle(ctx context.Context, rec record.Record) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rec record.Record) error

// Handle calls f(ctx, rec).
func (f HandlerFunc) Handle(ctx context.Context, rec record.Record) error {
	return f(ctx, rec)
}

// Outcome classifies the result of handling a record.
type Outcome int

const (
	// OutcomeProcessed means the handler succeeded.
	OutcomeProcessed Outcome = iota

	// OutcomeRetryable means the handler failed with a retryable error.
	OutcomeRetryable

	// OutcomeFatal means the handler failed with any other error.
	OutcomeFatal
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RetryableError wraps a handler failure that may succeed on a later attempt.
type RetryableError struct {
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Err == nil {
		return ErrRetryable.Error()
	}
	return fmt.Sprintf("retryable: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Is makes every RetryableError match ErrRetryable.
func (e *RetryableError) Is(target error) bool {
	return target == ErrRetryable
}

// Retryable tags err as retryable. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Classify maps a handler result to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeProcessed
	case errors.Is(err, ErrRetryable):
		return OutcomeRetryable
	default:
		return OutcomeFatal
	}
}

// Observe records the outcome in metrics and returns it.
func Observe(outcome Outcome) Outcome {
	outcomesTotal.WithLabelValues(outcome.String()).Inc()
	return outcome
}

// SinkHandler forwards every record to a sink. Transient sink failures are
// reported as retryable.
type SinkHandler struct {
	sink   sink.Sink
	logger zerolog.Logger
}

var _ Handler = (*SinkHandler)(nil)

// NewSinkHandler creates a handler publishing to s.
func NewSinkHandler(s sink.Sink, logger zerolog.Logger) *SinkHandler {
	return &SinkHandler{
		sink:   s,
		logger: logger,
	}
}

// Handle publishes rec.
func (h *SinkHandler) Handle(ctx context.Context, rec record.Record) error {
	if err := h.sink.Publish(ctx, rec); err != nil {
		h.logger.Debug().
			Err(err).
			Str("event_id", rec.ID).
			Bool("transient", sink.IsTransient(err)).
			Msg("Sink publish failed")
		if sink.IsTransient(err) {
			return Retryable(err)
		}
		return fmt.Errorf("publish %s: %w", rec.ID, err)
	}
	return nil
}
