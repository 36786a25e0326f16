// Package poller implements a demand-driven polling engine. Consumers add
// demand with Request; a single loop goroutine turns outstanding demand into
// bounded, gated fetches against a fetch.Fetcher and hands every returned
// record to a callback.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNilFetcher is returned by New when no fetcher is given.
	ErrNilFetcher = errors.New("poller: fetcher is required")

	// ErrNilCallback is returned by New when no record callback is given.
	ErrNilCallback = errors.New("poller: record callback is required")
)

// State is the engine run state. It only moves forward.
type State int32

const (
	// StateNotStarted is the state of a new engine.
	StateNotStarted State = iota

	// StateRunning is entered by Start.
	StateRunning

	// StateTerminated is entered by Terminate and never left.
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// OnRecord receives each fetched record. It runs on the goroutine that
// completed the fetch; blocking it blocks delivery of the rest of the batch.
type OnRecord func(rec record.Record)

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	State     State
	Demand    int64
	InFlight  int64
	Cursor    record.Cursor
	Fetches   int64
	Delivered int64
	Dropped   int64
}

// Engine pulls pages from a Fetcher as long as there is demand.
// All methods are safe for concurrent use.
type Engine struct {
	fetcher  fetch.Fetcher
	onRecord OnRecord
	config   Config
	logger   zerolog.Logger

	demand   atomic.Int64
	inFlight atomic.Int64
	state    atomic.Int32
	gate     *semaphore.Weighted

	// cursor is written only by fetch completions (and the initial load).
	cursorMu sync.Mutex
	cursor   record.Cursor

	fetches   atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	wake     chan struct{} // buffered(1), coalesces wake-ups
	stop     chan struct{} // closed by Terminate
	stopOnce sync.Once
	done     chan struct{} // closed when the loop exits
}

// New creates an engine. The engine does nothing until Start is called.
func New(fetcher fetch.Fetcher, onRecord OnRecord, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if fetcher == nil {
		return nil, ErrNilFetcher
	}
	if onRecord == nil {
		return nil, ErrNilCallback
	}

	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid poller config: %w", err)
	}

	return &Engine{
		fetcher:  fetcher,
		onRecord: onRecord,
		config:   cfg,
		logger:   logger.With().Str("engine", cfg.Name).Logger(),
		gate:     semaphore.NewWeighted(int64(cfg.GateCapacity)),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Request adds n to the outstanding demand and wakes the loop.
// Non-positive values are ignored.
func (e *Engine) Request(n int64) {
	if n <= 0 {
		e.logger.Warn().Int64("n", n).Msg("Ignoring non-positive demand request")
		return
	}

	demand := e.demand.Add(n)
	demandGauge.WithLabelValues(e.config.Name).Set(float64(demand))

	e.logger.Debug().
		Int64("n", n).
		Int64("demand", demand).
		Msg("Demand requested")

	e.signal()
}

// Start launches the polling loop. Calling it more than once, or after
// Terminate, has no effect.
func (e *Engine) Start() {
	if !e.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return
	}

	e.logger.Info().
		Int("max_batch_size", e.config.MaxBatchSize).
		Int("gate_capacity", e.config.GateCapacity).
		Dur("park_interval", e.config.ParkInterval).
		Msg("Poller starting")

	go e.run()
}

// Terminate stops the engine. No fetch is dispatched afterwards and records
// from fetches that complete afterwards are discarded; in-flight fetch calls
// are not cancelled. Terminate waits up to Config.ShutdownGrace for the loop
// to exit and logs if it does not. It is safe to call more than once.
func (e *Engine) Terminate() {
	prev := State(e.state.Swap(int32(StateTerminated)))
	if prev == StateTerminated {
		return
	}

	e.stopOnce.Do(func() { close(e.stop) })
	e.signal()

	if prev == StateNotStarted {
		e.logger.Debug().Msg("Poller terminated before start")
		return
	}

	timer := time.NewTimer(e.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-e.done:
		e.logger.Info().
			Int64("demand", e.demand.Load()).
			Int64("in_flight", e.inFlight.Load()).
			Int64("delivered", e.delivered.Load()).
			Msg("Poller terminated")
	case <-timer.C:
		e.logger.Error().
			Dur("grace", e.config.ShutdownGrace).
			Msg("Poller loop did not exit within grace period")
	}
}

// Done is closed when the polling loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the current run state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Demand returns the outstanding demand not yet reserved by a fetch.
func (e *Engine) Demand() int64 {
	return e.demand.Load()
}

// InFlight returns the number of fetches currently in flight.
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Cursor returns the cursor the next fetch will present.
func (e *Engine) Cursor() record.Cursor {
	e.cursorMu.Lock()
	defer e.cursorMu.Unlock()
	return e.cursor
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		State:     e.State(),
		Demand:    e.demand.Load(),
		InFlight:  e.inFlight.Load(),
		Cursor:    e.Cursor(),
		Fetches:   e.fetches.Load(),
		Delivered: e.delivered.Load(),
		Dropped:   e.dropped.Load(),
	}
}

func (e *Engine) running() bool {
	return e.State() == StateRunning
}

// signal wakes the loop without blocking. A pending wake-up is kept in the
// buffered channel, so a signal sent before the loop parks is not lost.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// run is the polling loop.
func (e *Engine) run() {
	defer close(e.done)

	e.loadCursor()

	for e.running() {
		batch := e.reserve()
		if batch <= 0 {
			e.park()
			continue
		}
		e.dispatch(batch)
	}

	e.logger.Debug().Msg("Poller loop exited")
}

// reserve computes the next batch and, if positive, takes it out of demand
// and acquires a gate slot. Only the loop subtracts from demand, so the
// loaded value is a lower bound for the value we subtract from.
func (e *Engine) reserve() int64 {
	demand := e.demand.Load()
	if demand <= 0 {
		return 0
	}
	if !e.gate.TryAcquire(1) {
		return 0
	}

	batch := min(demand, int64(e.config.MaxBatchSize))
	remaining := e.demand.Add(-batch)
	inFlight := e.inFlight.Add(1)

	demandGauge.WithLabelValues(e.config.Name).Set(float64(remaining))
	inFlightGauge.WithLabelValues(e.config.Name).Set(float64(inFlight))

	return batch
}

// park blocks until woken, stopped, or ParkInterval elapses.
func (e *Engine) park() {
	timer := time.NewTimer(e.config.ParkInterval)
	defer timer.Stop()

	select {
	case <-e.wake:
	case <-e.stop:
	case <-timer.C:
	}
}

// dispatch starts an asynchronous fetch for batch records.
func (e *Engine) dispatch(batch int64) {
	c := e.Cursor()

	e.logger.Debug().
		Int64("batch", batch).
		Str("cursor", c.String()).
		Int64("in_flight", e.inFlight.Load()).
		Msg("Dispatching fetch")

	go func() {
		start := time.Now()
		page := e.callFetch(c, int(batch))
		fetchDuration.WithLabelValues(e.config.Name).Observe(time.Since(start).Seconds())
		e.complete(batch, page)
	}()
}

// callFetch invokes the fetcher; a panicking fetcher counts as an empty page.
func (e *Engine) callFetch(c record.Cursor, limit int) (page record.Page) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("correlation_id", uuid.NewString()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Fetcher panicked, treating as empty page")
			page = record.Page{}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.config.FetchTimeout)
	defer cancel()

	return e.fetcher.Fetch(ctx, c, limit)
}

// complete handles a finished fetch: cursor and demand bookkeeping first,
// then delivery if the engine is still running.
func (e *Engine) complete(batch int64, page record.Page) {
	records := page.Records
	if int64(len(records)) > batch {
		e.logger.Warn().
			Int64("batch", batch).
			Int("returned", len(records)).
			Msg("Fetch returned more records than requested, truncating")
		records = records[:batch]
	}

	if !page.Next.IsAbsent() {
		e.setCursor(page.Next)
	}

	shortfall := batch - int64(len(records))
	demand := e.demand.Load()
	if shortfall > 0 {
		demand = e.demand.Add(shortfall)
	}
	inFlight := e.inFlight.Add(-1)
	e.gate.Release(1)
	e.fetches.Add(1)
	e.signal()

	demandGauge.WithLabelValues(e.config.Name).Set(float64(demand))
	inFlightGauge.WithLabelValues(e.config.Name).Set(float64(inFlight))
	if len(records) == 0 {
		fetchesTotal.WithLabelValues(e.config.Name, "empty").Inc()
	} else {
		fetchesTotal.WithLabelValues(e.config.Name, "records").Inc()
	}

	e.logger.Debug().
		Int64("batch", batch).
		Int("returned", len(records)).
		Int64("shortfall", shortfall).
		Int64("demand", demand).
		Str("cursor", e.Cursor().String()).
		Msg("Fetch completed")

	for i, rec := range records {
		if !e.running() {
			dropped := int64(len(records) - i)
			e.dropped.Add(dropped)
			recordsDropped.WithLabelValues(e.config.Name).Add(float64(dropped))
			e.logger.Debug().
				Int64("dropped", dropped).
				Msg("Engine terminated, discarding fetched records")
			return
		}
		e.deliver(rec)
	}
}

// deliver hands one record to the callback, recovering from panics.
func (e *Engine) deliver(rec record.Record) {
	e.delivered.Add(1)
	recordsDelivered.WithLabelValues(e.config.Name).Inc()

	defer func() {
		if r := recover(); r != nil {
			deliveryPanics.WithLabelValues(e.config.Name).Inc()
			e.logger.Error().
				Str("correlation_id", uuid.NewString()).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Str("event_id", rec.ID).
				Str("event_name", rec.Name).
				Msg("Record callback panicked")
		}
	}()

	e.onRecord(rec)
}

// setCursor replaces the cursor and forwards it to the cursor store, if any.
func (e *Engine) setCursor(c record.Cursor) {
	e.cursorMu.Lock()
	e.cursor = c

	// saved under the lock so concurrent completions reach the store in the
	// same order as they update the field
	if e.config.CursorStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.FetchTimeout)
		if err := e.config.CursorStore.Save(ctx, c); err != nil {
			e.logger.Warn().Err(err).Str("cursor", c.String()).Msg("Failed to save cursor")
		}
		cancel()
	}
	e.cursorMu.Unlock()
}

// loadCursor seeds the cursor from the cursor store, if any.
func (e *Engine) loadCursor() {
	if e.config.CursorStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.FetchTimeout)
	defer cancel()

	c, err := e.config.CursorStore.Load(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load cursor, starting without one")
		return
	}

	e.cursorMu.Lock()
	e.cursor = c
	e.cursorMu.Unlock()

	e.logger.Info().Str("cursor", c.String()).Msg("Cursor loaded from store")
}
