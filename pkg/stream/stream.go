// Package stream bridges a pull-based consumer to the poller engine.
//
// A Stream owns one engine. Consumer demand (Request) goes to the engine;
// every record the engine delivers passes through the Handler and is then
// emitted on Records. Emission blocks until the consumer receives, so a slow
// consumer holds back the fetch that produced the record.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/handler"
	"github.com/Sternrassler/trailpoll/pkg/logging"
	"github.com/Sternrassler/trailpoll/pkg/poller"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrNilHandler is returned by New when no handler is given.
var ErrNilHandler = errors.New("stream: handler is required")

var pipelineRecoveries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "trailpoll_pipeline_recoveries_total",
	Help: "Total unexpected pipeline failures replaced by an empty record",
})

// Config holds stream configuration.
type Config struct {
	// Poller configures the underlying engine.
	Poller poller.Config

	// Buffer is the capacity of the Records channel. 0 means every record
	// is handed over directly to the consumer.
	Buffer int

	// HandleTimeout bounds a single Handle call.
	// Defaults to 30s, if 0.
	HandleTimeout time.Duration
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		Poller:        poller.DefaultConfig(),
		Buffer:        0,
		HandleTimeout: 30 * time.Second,
	}
}

// Stream adapts consumer demand into engine requests and engine deliveries
// into handled records on a channel.
type Stream struct {
	engine  *poller.Engine
	handler handler.Handler
	config  Config
	logger  zerolog.Logger

	out        chan record.Record
	cancelled  chan struct{}
	cancelOnce sync.Once

	// emitMu is read-held by every emission and write-held while closing out.
	emitMu sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	// beforeEmit runs just before a handled record is emitted.
	beforeEmit func(rec record.Record)
}

// New creates a stream over fetcher. Nothing is fetched before Start and a
// first Request. logger is tagged with the stream and poller components.
func New(fetcher fetch.Fetcher, h handler.Handler, cfg Config, logger zerolog.Logger) (*Stream, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if cfg.Buffer < 0 {
		return nil, fmt.Errorf("invalid stream config: buffer must be >= 0 (got %d)", cfg.Buffer)
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultConfig().HandleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		handler:   h,
		config:    cfg,
		logger:    logging.WithComponent(logger, logging.ComponentStream),
		out:       make(chan record.Record, cfg.Buffer),
		cancelled: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	engine, err := poller.New(fetcher, s.onRecord, cfg.Poller, logging.WithComponent(logger, logging.ComponentPoller))
	if err != nil {
		cancel()
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Start starts the engine.
func (s *Stream) Start() {
	s.engine.Start()
}

// Request asks for n more records. Non-positive values are ignored.
func (s *Stream) Request(n int64) {
	s.engine.Request(n)
}

// Records returns the channel of handled records. It is closed by Cancel.
// An empty record stands in for one whose processing failed unexpectedly.
func (s *Stream) Records() <-chan record.Record {
	return s.out
}

// Engine returns the underlying engine, e.g. for Stats.
func (s *Stream) Engine() *poller.Engine {
	return s.engine
}

// Cancel terminates the engine and closes Records. Safe to call more than once.
func (s *Stream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		s.cancel()
		s.engine.Terminate()

		s.emitMu.Lock()
		s.closed = true
		close(s.out)
		s.emitMu.Unlock()

		s.logger.Info().Msg("Stream cancelled")
	})
}

// onRecord is the engine callback: handle, then emit.
func (s *Stream) onRecord(rec record.Record) {
	defer func() {
		if r := recover(); r != nil {
			pipelineRecoveries.Inc()
			s.logger.Error().
				Str("correlation_id", uuid.NewString()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Str("event_id", rec.ID).
				Msg("Unexpected pipeline failure, emitting empty record")
			s.emit(record.Record{})
		}
	}()

	s.handle(rec)

	if s.beforeEmit != nil {
		s.beforeEmit(rec)
	}
	s.emit(rec)
}

// handle applies the handler. Whatever the outcome, the record is consumed.
func (s *Stream) handle(rec record.Record) {
	outcome := handler.Observe(handler.Classify(s.invoke(rec)))
	if outcome == handler.OutcomeProcessed {
		return
	}

	// invoke already logged the error; only the outcome is added here
	s.logger.Debug().
		Str("event_id", rec.ID).
		Str("outcome", outcome.String()).
		Msg("Record consumed despite handler failure")
}

// invoke calls the handler, turning a panic into an error.
func (s *Stream) invoke(rec record.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			s.logger.Error().
				Str("correlation_id", uuid.NewString()).
				Str("stack", string(debug.Stack())).
				Str("event_id", rec.ID).
				Err(err).
				Msg("Handler panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.config.HandleTimeout)
	defer cancel()

	err = s.handler.Handle(ctx, rec)
	switch handler.Classify(err) {
	case handler.OutcomeRetryable:
		s.logger.Debug().
			Err(err).
			Str("event_id", rec.ID).
			Msg("Retryable handler error suppressed")
	case handler.OutcomeFatal:
		s.logger.Error().
			Err(err).
			Str("event_id", rec.ID).
			Str("event_name", rec.Name).
			Msg("Handler failed")
	}
	return err
}

// emit sends rec downstream, giving up when the stream is cancelled.
func (s *Stream) emit(rec record.Record) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()

	if s.closed {
		return
	}

	select {
	case s.out <- rec:
	case <-s.cancelled:
	}
}
