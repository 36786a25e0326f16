// Package fetch defines the Fetch Port consumed by the poller engine and the
// boundary wrapper that turns fallible sources into fetchers that never fail.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// MaxLimit is the largest page a single fetch may request. CloudTrail
// LookupEvents caps MaxResults at 50 and the other sources follow suit.
const MaxLimit = 50

// ErrNilSource is returned by NewSafe when no source is given.
var ErrNilSource = errors.New("fetch: nil source")

// Prometheus metrics for the port boundary.
var (
	sourceCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_source_calls_total",
		Help: "Total source calls by source and result (ok, empty, error, panic)",
	}, []string{"source", "result"})

	sourceCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trailpoll_source_call_duration_seconds",
		Help:    "Source call duration in seconds by source",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"source"})
)

// Fetcher is the Fetch Port. Fetch never fails: problems resolve to an empty
// page with an absent cursor. limit is always in [1, MaxLimit].
type Fetcher interface {
	Fetch(ctx context.Context, cursor record.Cursor, limit int) record.Page
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, cursor record.Cursor, limit int) record.Page

// Fetch calls f(ctx, cursor, limit).
func (f FetcherFunc) Fetch(ctx context.Context, cursor record.Cursor, limit int) record.Page {
	return f(ctx, cursor, limit)
}

// Source is a paginated backend that may fail, e.g. a remote API client.
type Source interface {
	Fetch(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error)

// Fetch calls f(ctx, cursor, limit).
func (f SourceFunc) Fetch(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
	return f(ctx, cursor, limit)
}

// Classified is implemented by source errors that carry a classification,
// used for the error_class log field.
type Classified interface {
	Class() string
}

// Safe wraps a Source so that errors and panics never reach the caller.
type Safe struct {
	name   string
	source Source
	logger zerolog.Logger
}

var _ Fetcher = (*Safe)(nil)

// NewSafe wraps source under the given name (used in logs and metrics).
func NewSafe(name string, source Source, logger zerolog.Logger) (*Safe, error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if name == "" {
		name = "source"
	}
	return &Safe{
		name:   name,
		source: source,
		logger: logger.With().Str("source", name).Logger(),
	}, nil
}

// Fetch calls the wrapped source, clamping limit to [1, MaxLimit]. Any error
// or panic is logged and converted to an empty page with an absent cursor.
func (s *Safe) Fetch(ctx context.Context, cursor record.Cursor, limit int) (page record.Page) {
	limit = ClampLimit(limit)

	start := time.Now()
	defer func() {
		sourceCallDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			s.logger.Error().
				Str("correlation_id", correlationID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Source panicked, returning empty page")
			sourceCallsTotal.WithLabelValues(s.name, "panic").Inc()
			page = record.Page{}
		}
	}()

	p, err := s.source.Fetch(ctx, cursor, limit)
	if err != nil {
		event := s.logger.Warn().
			Err(err).
			Str("cursor", cursor.String()).
			Int("limit", limit)
		var classified Classified
		if errors.As(err, &classified) {
			event = event.Str("error_class", classified.Class())
		}
		event.Msg("Source fetch failed, returning empty page")
		sourceCallsTotal.WithLabelValues(s.name, "error").Inc()
		return record.Page{}
	}

	if p.Len() == 0 {
		sourceCallsTotal.WithLabelValues(s.name, "empty").Inc()
	} else {
		sourceCallsTotal.WithLabelValues(s.name, "ok").Inc()
	}
	return p
}

// ClampLimit bounds a requested page size to [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
