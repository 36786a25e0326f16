package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/record"
)

// FetchCall records the arguments of one Fetch invocation.
type FetchCall struct {
	Cursor record.Cursor
	Limit  int
}

// ScriptedFetcher is an in-memory Fetch Port. It answers calls with the
// scripted pages in order and falls back to Fallback (or an empty page) once
// the script is exhausted.
type ScriptedFetcher struct {
	mu    sync.Mutex
	pages []record.Page
	calls []FetchCall

	// Fallback answers calls after the script is exhausted. Nil returns an
	// empty page.
	Fallback func(call FetchCall) record.Page

	// Delay is slept before answering each call.
	Delay time.Duration

	// Block, if set, holds every call until it is closed or ctx is done.
	Block chan struct{}

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	started     chan struct{}
	startOnce   sync.Once
}

// NewScriptedFetcher creates a fetcher answering with pages in order.
func NewScriptedFetcher(pages ...record.Page) *ScriptedFetcher {
	return &ScriptedFetcher{
		pages:   pages,
		started: make(chan struct{}),
	}
}

// FullPages returns a fetcher that always fills the requested limit with
// generated records and never returns a cursor.
func FullPages() *ScriptedFetcher {
	f := NewScriptedFetcher()
	var seq atomic.Int64
	f.Fallback = func(call FetchCall) record.Page {
		recs := make([]record.Record, call.Limit)
		for i := range recs {
			recs[i] = Event(fmt.Sprintf("evt-%d", seq.Add(1)))
		}
		return record.Page{Records: recs}
	}
	return f
}

// Fetch implements fetch.Fetcher.
func (f *ScriptedFetcher) Fetch(ctx context.Context, cursor record.Cursor, limit int) record.Page {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.maxInFlight.Load()
		if n <= peak || f.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	call := FetchCall{Cursor: cursor, Limit: limit}

	f.mu.Lock()
	f.calls = append(f.calls, call)
	var (
		page     record.Page
		scripted bool
	)
	if len(f.pages) > 0 {
		page, f.pages, scripted = f.pages[0], f.pages[1:], true
	}
	f.mu.Unlock()

	f.startOnce.Do(func() { close(f.started) })

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return record.Page{}
		}
	}
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}

	if scripted {
		return page
	}
	if f.Fallback != nil {
		return f.Fallback(call)
	}
	return record.Page{}
}

// Calls returns a copy of all calls made so far.
func (f *ScriptedFetcher) Calls() []FetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FetchCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns the number of calls made so far.
func (f *ScriptedFetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (f *ScriptedFetcher) MaxInFlight() int64 {
	return f.maxInFlight.Load()
}

// Started is closed when the first call arrives.
func (f *ScriptedFetcher) Started() <-chan struct{} {
	return f.started
}

// Event creates a test record with the given id.
func Event(id string) record.Record {
	return record.Record{
		ID:     id,
		Name:   "test-event",
		Source: "test-source",
		Time:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Events creates n test records with ids prefix-1 .. prefix-n.
func Events(prefix string, n int) []record.Record {
	recs := make([]record.Record, n)
	for i := range recs {
		recs[i] = Event(fmt.Sprintf("%s-%d", prefix, i+1))
	}
	return recs
}

// Collector gathers delivered records from concurrent callers.
type Collector struct {
	mu      sync.Mutex
	records []record.Record
}

// Add appends a record. Its signature matches poller.OnRecord.
func (c *Collector) Add(rec record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

// Records returns a copy of the collected records.
func (c *Collector) Records() []record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]record.Record, len(c.records))
	copy(out, c.records)
	return out
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Eventually polls cond every few milliseconds until it holds or timeout
// expires, failing the test in the latter case.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cond() {
		return
	}
	t.Fatalf("condition not met within %v: "+msg, append([]any{timeout}, args...)...)
}
