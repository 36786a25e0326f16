// Package cursor provides pagination cursor stores that a poller engine can
// be given instead of keeping the cursor only in memory.
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrNilClient is returned when a Redis store is created without a client.
	ErrNilClient = errors.New("cursor: redis client is required")

	// ErrInvalidEntry indicates the stored cursor entry is corrupted.
	ErrInvalidEntry = errors.New("cursor: invalid stored entry")
)

// StoreErrors tracks cursor store failures by operation.
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trailpoll_cursor_store_errors_total",
		Help: "Total number of cursor store operation errors",
	},
	[]string{"operation"}, // "load", "save"
)

// Store persists the pagination cursor for one engine. A missing cursor
// loads as the absent cursor with a nil error.
type Store interface {
	Load(ctx context.Context) (record.Cursor, error)
	Save(ctx context.Context, c record.Cursor) error
}

// Entry is the stored representation of a cursor.
type Entry struct {
	Cursor    record.Cursor `json:"cursor"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MemoryStore keeps the cursor in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	entry Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the last saved cursor.
func (m *MemoryStore) Load(ctx context.Context) (record.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry.Cursor, nil
}

// Save replaces the stored cursor.
func (m *MemoryStore) Save(ctx context.Context, c record.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry = Entry{Cursor: c, UpdatedAt: time.Now()}
	return nil
}

// UpdatedAt returns when the cursor was last saved.
func (m *MemoryStore) UpdatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entry.UpdatedAt
}
