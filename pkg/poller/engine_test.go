package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/trailpoll/internal/testutil"
	"github.com/Sternrassler/trailpoll/pkg/cursor"
	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/rs/zerolog"
)

// newTestEngine creates an engine with a short park interval that is
// terminated when the test ends.
func newTestEngine(t *testing.T, f fetch.Fetcher, onRecord OnRecord, cfg Config) *Engine {
	t.Helper()

	if cfg.ParkInterval == 0 {
		cfg.ParkInterval = 20 * time.Millisecond
	}
	e, err := New(f, onRecord, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Terminate)
	return e
}

func TestNew_Validation(t *testing.T) {
	f := testutil.NewScriptedFetcher()
	noop := func(record.Record) {}

	tests := []struct {
		name     string
		fetcher  fetch.Fetcher
		onRecord OnRecord
		cfg      Config
		wantErr  error
		anyErr   bool
	}{
		{name: "nil fetcher", fetcher: nil, onRecord: noop, wantErr: ErrNilFetcher},
		{name: "nil callback", fetcher: f, onRecord: nil, wantErr: ErrNilCallback},
		{name: "negative batch", fetcher: f, onRecord: noop, cfg: Config{MaxBatchSize: -1}, anyErr: true},
		{name: "negative gate", fetcher: f, onRecord: noop, cfg: Config{GateCapacity: -1}, anyErr: true},
		{name: "negative duration", fetcher: f, onRecord: noop, cfg: Config{ParkInterval: -time.Second}, anyErr: true},
		{name: "defaults", fetcher: f, onRecord: noop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fetcher, tt.onRecord, tt.cfg, zerolog.Nop())
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("New() error = %v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("New() error = nil, want error")
				}
			default:
				if err != nil {
					t.Errorf("New() error = %v, want nil", err)
				}
			}
		})
	}
}

func TestNew_ConfigDefaults(t *testing.T) {
	e, err := New(testutil.NewScriptedFetcher(), func(record.Record) {}, Config{MaxBatchSize: 500}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg := e.Config()
	want := DefaultConfig()
	if cfg.MaxBatchSize != fetch.MaxLimit {
		t.Errorf("MaxBatchSize = %d, want %d", cfg.MaxBatchSize, fetch.MaxLimit)
	}
	if cfg.GateCapacity != want.GateCapacity {
		t.Errorf("GateCapacity = %d, want %d", cfg.GateCapacity, want.GateCapacity)
	}
	if cfg.ParkInterval != want.ParkInterval {
		t.Errorf("ParkInterval = %v, want %v", cfg.ParkInterval, want.ParkInterval)
	}
	if cfg.ShutdownGrace != want.ShutdownGrace {
		t.Errorf("ShutdownGrace = %v, want %v", cfg.ShutdownGrace, want.ShutdownGrace)
	}
	if cfg.Name != "poller" {
		t.Errorf("Name = %q, want %q", cfg.Name, "poller")
	}
	if e.State() != StateNotStarted {
		t.Errorf("State() = %v, want %v", e.State(), StateNotStarted)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNotStarted, "not_started"},
		{StateRunning, "running"},
		{StateTerminated, "terminated"},
		{State(7), "state(7)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
}

func TestEngine_SingleRecord(t *testing.T) {
	f := testutil.NewScriptedFetcher(record.Page{
		Records: []record.Record{{Name: "test-event", Source: "test-source"}},
	})
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{})
	e.Start()
	e.Request(1)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 1 }, "record not delivered")

	rec := got.Records()[0]
	if rec.Name != "test-event" || rec.Source != "test-source" {
		t.Errorf("record = %s/%s, want test-event/test-source", rec.Name, rec.Source)
	}
	if d := e.Demand(); d != 0 {
		t.Errorf("Demand() = %d, want 0", d)
	}
}

func TestEngine_DemandConservation(t *testing.T) {
	f := testutil.FullPages()
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{})
	e.Start()
	e.Request(120)

	testutil.Eventually(t, 2*time.Second, func() bool { return got.Len() == 120 }, "delivered %d of 120", got.Len())

	// let any spurious fetch show up
	time.Sleep(50 * time.Millisecond)

	calls := f.Calls()
	wantLimits := []int{50, 50, 20}
	if len(calls) != len(wantLimits) {
		t.Fatalf("fetch calls = %d, want %d", len(calls), len(wantLimits))
	}
	for i, want := range wantLimits {
		if calls[i].Limit != want {
			t.Errorf("call %d limit = %d, want %d", i, calls[i].Limit, want)
		}
	}
	if got.Len() != 120 {
		t.Errorf("delivered = %d, want 120", got.Len())
	}
	if d := e.Demand(); d != 0 {
		t.Errorf("Demand() = %d, want 0", d)
	}
	if s := e.Stats(); s.Delivered != 120 || s.Fetches != 3 {
		t.Errorf("Stats() delivered=%d fetches=%d, want 120/3", s.Delivered, s.Fetches)
	}
}

func TestEngine_ShortReadRestoresDemand(t *testing.T) {
	f := testutil.NewScriptedFetcher(
		record.Page{Records: testutil.Events("a", 3)},
		record.Page{Records: testutil.Events("b", 7)},
	)
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{})
	e.Start()
	e.Request(10)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 10 }, "delivered %d of 10", got.Len())

	calls := f.Calls()
	if len(calls) < 2 {
		t.Fatalf("fetch calls = %d, want >= 2", len(calls))
	}
	if calls[0].Limit != 10 {
		t.Errorf("first limit = %d, want 10", calls[0].Limit)
	}
	if calls[1].Limit != 7 {
		t.Errorf("second limit = %d, want 7", calls[1].Limit)
	}
	if d := e.Demand(); d != 0 {
		t.Errorf("Demand() = %d, want 0", d)
	}
}

func TestEngine_CursorReuse(t *testing.T) {
	f := testutil.NewScriptedFetcher(
		record.Page{Records: testutil.Events("a", 2), Next: "c1"},
		record.Page{Records: testutil.Events("b", 2)},
		record.Page{Records: testutil.Events("c", 2), Next: "c2"},
	)
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{MaxBatchSize: 2})
	e.Start()
	e.Request(6)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 6 }, "delivered %d of 6", got.Len())

	calls := f.Calls()
	wantCursors := []record.Cursor{"", "c1", "c1"}
	if len(calls) < len(wantCursors) {
		t.Fatalf("fetch calls = %d, want >= %d", len(calls), len(wantCursors))
	}
	for i, want := range wantCursors {
		if calls[i].Cursor != want {
			t.Errorf("call %d cursor = %q, want %q", i, calls[i].Cursor, want)
		}
	}
	if c := e.Cursor(); c != "c2" {
		t.Errorf("Cursor() = %q, want %q", c, "c2")
	}
}

func TestEngine_GateBound(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
	}{
		{name: "sequential", capacity: 1},
		{name: "three slots", capacity: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testutil.FullPages()
			f.Delay = 5 * time.Millisecond
			var got testutil.Collector

			e := newTestEngine(t, f, got.Add, Config{MaxBatchSize: 5, GateCapacity: tt.capacity})
			e.Start()
			e.Request(100)

			testutil.Eventually(t, 5*time.Second, func() bool { return got.Len() == 100 }, "delivered %d of 100", got.Len())

			if peak := f.MaxInFlight(); peak > int64(tt.capacity) {
				t.Errorf("max in-flight fetches = %d, want <= %d", peak, tt.capacity)
			}
			if n := e.InFlight(); n > int64(tt.capacity) {
				t.Errorf("InFlight() = %d, want <= %d", n, tt.capacity)
			}
		})
	}
}

func TestEngine_SilentAfterTerminate(t *testing.T) {
	f := testutil.NewScriptedFetcher(record.Page{Records: testutil.Events("late", 5)})
	f.Block = make(chan struct{})
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{})
	e.Start()
	e.Request(5)

	select {
	case <-f.Started():
	case <-time.After(time.Second):
		t.Fatal("fetch was not dispatched")
	}

	e.Terminate()
	if e.State() != StateTerminated {
		t.Errorf("State() = %v, want %v", e.State(), StateTerminated)
	}

	close(f.Block)
	testutil.Eventually(t, time.Second, func() bool { return e.Stats().Dropped == 5 }, "dropped = %d, want 5", e.Stats().Dropped)

	if got.Len() != 0 {
		t.Errorf("delivered after terminate = %d, want 0", got.Len())
	}

	e.Request(10)
	time.Sleep(50 * time.Millisecond)
	if n := f.CallCount(); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
}

func TestEngine_FailingPortKeepsRetrying(t *testing.T) {
	var calls atomic.Int64
	var cursors atomic.Int64
	var limits atomic.Int64

	source := fetch.SourceFunc(func(ctx context.Context, c record.Cursor, limit int) (record.Page, error) {
		calls.Add(1)
		if !c.IsAbsent() {
			cursors.Add(1)
		}
		if limit != 5 {
			limits.Add(1)
		}
		return record.Page{Records: testutil.Events("x", 5), Next: "never"}, errors.New("connection refused")
	})
	safe, err := fetch.NewSafe("failing", source, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSafe() error = %v", err)
	}
	var got testutil.Collector

	e := newTestEngine(t, safe, got.Add, Config{})
	e.Start()
	e.Request(5)

	testutil.Eventually(t, time.Second, func() bool { return calls.Load() >= 5 }, "only %d fetch attempts", calls.Load())

	e.Terminate()
	testutil.Eventually(t, time.Second, func() bool { return e.InFlight() == 0 }, "fetch still in flight")

	if got.Len() != 0 {
		t.Errorf("delivered = %d, want 0", got.Len())
	}
	if d := e.Demand(); d != 5 {
		t.Errorf("Demand() = %d, want 5", d)
	}
	if n := cursors.Load(); n != 0 {
		t.Errorf("fetches with a cursor = %d, want 0", n)
	}
	if n := limits.Load(); n != 0 {
		t.Errorf("fetches with limit != 5 = %d, want 0", n)
	}
	if c := e.Cursor(); !c.IsAbsent() {
		t.Errorf("Cursor() = %q, want absent", c)
	}
}

func TestEngine_CallbackPanicContinuesDelivery(t *testing.T) {
	f := testutil.NewScriptedFetcher(record.Page{Records: testutil.Events("p", 3)})
	var got testutil.Collector

	e := newTestEngine(t, f, func(rec record.Record) {
		if rec.ID == "p-2" {
			panic("handler exploded")
		}
		got.Add(rec)
	}, Config{})
	e.Start()
	e.Request(3)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 2 }, "delivered %d of 2", got.Len())

	recs := got.Records()
	if recs[0].ID != "p-1" || recs[1].ID != "p-3" {
		t.Errorf("delivered ids = %s,%s, want p-1,p-3", recs[0].ID, recs[1].ID)
	}
	if s := e.Stats(); s.Delivered != 3 {
		t.Errorf("Stats().Delivered = %d, want 3", s.Delivered)
	}
}

func TestEngine_FetcherPanicIsEmptyPage(t *testing.T) {
	var calls atomic.Int64
	f := fetch.FetcherFunc(func(ctx context.Context, c record.Cursor, limit int) record.Page {
		if calls.Add(1) == 1 {
			panic("fetcher exploded")
		}
		return record.Page{Records: testutil.Events("ok", limit)}
	})
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{})
	e.Start()
	e.Request(2)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 2 }, "delivered %d of 2", got.Len())

	if n := calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
	if d := e.Demand(); d != 0 {
		t.Errorf("Demand() = %d, want 0", d)
	}
}

func TestEngine_OversizedPageTruncated(t *testing.T) {
	f := testutil.NewScriptedFetcher(record.Page{Records: testutil.Events("big", 5)})
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{})
	e.Start()
	e.Request(2)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 2 }, "delivered %d of 2", got.Len())
	time.Sleep(50 * time.Millisecond)

	if got.Len() != 2 {
		t.Errorf("delivered = %d, want 2", got.Len())
	}
	if d := e.Demand(); d != 0 {
		t.Errorf("Demand() = %d, want 0", d)
	}
}

func TestEngine_CursorStore(t *testing.T) {
	store := cursor.NewMemoryStore()
	if err := store.Save(context.Background(), "c0"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	f := testutil.NewScriptedFetcher(record.Page{Records: testutil.Events("s", 1), Next: "c1"})
	var got testutil.Collector

	e := newTestEngine(t, f, got.Add, Config{CursorStore: store})
	e.Start()
	e.Request(1)

	testutil.Eventually(t, time.Second, func() bool { return got.Len() == 1 }, "record not delivered")

	if c := f.Calls()[0].Cursor; c != "c0" {
		t.Errorf("first fetch cursor = %q, want %q", c, "c0")
	}
	stored, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if stored != "c1" {
		t.Errorf("stored cursor = %q, want %q", stored, "c1")
	}
}

type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) Load(ctx context.Context) (record.Cursor, error) {
	select {
	case <-s.release:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *blockingStore) Save(ctx context.Context, c record.Cursor) error { return nil }

func TestEngine_TerminateGraceTimeout(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	defer close(store.release)

	e := newTestEngine(t, testutil.NewScriptedFetcher(), func(record.Record) {}, Config{
		CursorStore:   store,
		ShutdownGrace: 50 * time.Millisecond,
	})
	e.Start()

	start := time.Now()
	e.Terminate()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Terminate() took %v, want about the grace period", elapsed)
	}

	select {
	case <-e.Done():
		t.Error("loop exited while cursor load was blocked")
	default:
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	t.Run("terminate before start", func(t *testing.T) {
		f := testutil.NewScriptedFetcher()
		e := newTestEngine(t, f, func(record.Record) {}, Config{})

		e.Terminate()
		e.Terminate()
		e.Start()
		e.Request(3)
		time.Sleep(50 * time.Millisecond)

		if e.State() != StateTerminated {
			t.Errorf("State() = %v, want %v", e.State(), StateTerminated)
		}
		if n := f.CallCount(); n != 0 {
			t.Errorf("fetch calls = %d, want 0", n)
		}
	})

	t.Run("start is idempotent", func(t *testing.T) {
		f := testutil.NewScriptedFetcher(record.Page{Records: testutil.Events("once", 1)})
		var got testutil.Collector
		e := newTestEngine(t, f, got.Add, Config{})

		e.Start()
		e.Start()
		if e.State() != StateRunning {
			t.Errorf("State() = %v, want %v", e.State(), StateRunning)
		}
		e.Request(1)
		testutil.Eventually(t, time.Second, func() bool { return got.Len() == 1 }, "record not delivered")

		e.Terminate()
		select {
		case <-e.Done():
		case <-time.After(time.Second):
			t.Error("loop did not exit after Terminate")
		}
	})

	t.Run("non-positive requests ignored", func(t *testing.T) {
		e := newTestEngine(t, testutil.NewScriptedFetcher(), func(record.Record) {}, Config{})

		e.Request(0)
		e.Request(-4)
		if d := e.Demand(); d != 0 {
			t.Errorf("Demand() = %d, want 0", d)
		}

		e.Request(3)
		if d := e.Demand(); d != 3 {
			t.Errorf("Demand() = %d, want 3", d)
		}
	})
}
