package poller

import (
	"fmt"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/cursor"
	"github.com/Sternrassler/trailpoll/pkg/fetch"
)

// Config holds engine configuration. Zero values are replaced by defaults.
type Config struct {
	// Name labels the engine in logs and metrics.
	// Defaults to "poller", if empty.
	Name string

	// MaxBatchSize caps a single fetch regardless of outstanding demand.
	// Defaults to fetch.MaxLimit (50), if 0. Values above fetch.MaxLimit are capped.
	MaxBatchSize int

	// GateCapacity bounds the number of in-flight fetches. A capacity of 1
	// keeps fetches strictly sequential, which keeps cursor updates ordered.
	// Defaults to 1, if 0.
	GateCapacity int

	// ParkInterval is the longest the loop sleeps without a wake-up before
	// re-evaluating demand and the gate.
	// Defaults to 3s, if 0.
	ParkInterval time.Duration

	// ShutdownGrace is how long Terminate waits for the loop to exit.
	// Defaults to 10s, if 0.
	ShutdownGrace time.Duration

	// FetchTimeout bounds a single fetch call.
	// Defaults to 30s, if 0.
	FetchTimeout time.Duration

	// CursorStore, if set, supplies the initial cursor and receives every
	// cursor update. Without it the cursor only lives in the engine.
	CursorStore cursor.Store
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Name:          "poller",
		MaxBatchSize:  fetch.MaxLimit,
		GateCapacity:  1,
		ParkInterval:  3 * time.Second,
		ShutdownGrace: 10 * time.Second,
		FetchTimeout:  30 * time.Second,
	}
}

// withDefaults validates the config and fills in defaults.
func (c Config) withDefaults() (Config, error) {
	def := DefaultConfig()

	if c.MaxBatchSize < 0 {
		return c, fmt.Errorf("max_batch_size must be >= 0 (got %d)", c.MaxBatchSize)
	}
	if c.GateCapacity < 0 {
		return c, fmt.Errorf("gate_capacity must be >= 0 (got %d)", c.GateCapacity)
	}
	if c.ParkInterval < 0 || c.ShutdownGrace < 0 || c.FetchTimeout < 0 {
		return c, fmt.Errorf("durations must not be negative")
	}

	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxBatchSize == 0 || c.MaxBatchSize > fetch.MaxLimit {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.GateCapacity == 0 {
		c.GateCapacity = def.GateCapacity
	}
	if c.ParkInterval == 0 {
		c.ParkInterval = def.ParkInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	return c, nil
}

// Validate reports whether the config is usable.
func (c Config) Validate() error {
	_, err := c.withDefaults()
	return err
}
