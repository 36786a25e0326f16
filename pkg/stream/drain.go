package stream

import (
	"context"

	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/record"
)

// DefaultPrefetch is the demand Drain keeps outstanding when none is given.
const DefaultPrefetch = fetch.MaxLimit

// Subscription is the consumer side of a Stream.
type Subscription interface {
	Request(n int64)
	Records() <-chan record.Record
}

var _ Subscription = (*Stream)(nil)

// Drain consumes sub until ctx is done or the records channel closes,
// calling fn for every record. It requests prefetch records up front and
// replenishes once prefetch-prefetch/4 (at least 1) of them were consumed, so
// at most prefetch records are ever outstanding.
//
// Drain returns ctx.Err() when ctx ends first and nil when the channel closes.
func Drain(ctx context.Context, sub Subscription, prefetch int64, fn func(rec record.Record)) error {
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	refill := prefetch - prefetch/4
	if refill < 1 {
		refill = 1
	}

	sub.Request(prefetch)

	var consumed int64
	records := sub.Records()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			fn(rec)

			consumed++
			if consumed >= refill {
				sub.Request(consumed)
				consumed = 0
			}
		}
	}
}
