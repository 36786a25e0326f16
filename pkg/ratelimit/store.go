package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore holds the error budget state. A missing state returns nil, nil.
type StateStore interface {
	Get(ctx context.Context) (*State, error)
	Set(ctx context.Context, state *State) error
}

// MemoryStateStore keeps the state in process memory.
type MemoryStateStore struct {
	mu    sync.Mutex
	state *State
}

var _ StateStore = (*MemoryStateStore)(nil)

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Get returns a copy of the stored state.
func (m *MemoryStateStore) Get(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	s := *m.state
	return &s, nil
}

// Set replaces the stored state.
func (m *MemoryStateStore) Set(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *state
	m.state = &s
	return nil
}

// RedisStateStore shares the state between processes through Redis, so all
// pollers against one source respect the same budget.
type RedisStateStore struct {
	redis  *redis.Client
	prefix string
}

var _ StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore creates a Redis-backed store. Keys are
// "<prefix>:rate_limit:{errors_remaining,reset_timestamp,last_update}";
// prefix defaults to "trailpoll".
func NewRedisStateStore(client *redis.Client, prefix string) (*RedisStateStore, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "trailpoll"
	}
	return &RedisStateStore{redis: client, prefix: prefix}, nil
}

func (r *RedisStateStore) key(field string) string {
	return r.prefix + ":rate_limit:" + field
}

// Get retrieves the state from Redis.
func (r *RedisStateStore) Get(ctx context.Context) (*State, error) {
	errorsRemaining, err := r.redis.Get(ctx, r.key("errors_remaining")).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get errors remaining: %w", err)
	}

	resetTimestamp, err := r.redis.Get(ctx, r.key("reset_timestamp")).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get reset timestamp: %w", err)
	}

	lastUpdateStr, err := r.redis.Get(ctx, r.key("last_update")).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	var lastUpdate time.Time
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &lastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return &State{
		ErrorsRemaining: errorsRemaining,
		ResetAt:         time.Unix(resetTimestamp, 0),
		LastUpdate:      lastUpdate,
	}, nil
}

// Set stores the state atomically. Keys expire once the window has reset.
func (r *RedisStateStore) Set(ctx context.Context, state *State) error {
	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	ttl := state.TimeUntilReset() + time.Minute

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, r.key("errors_remaining"), state.ErrorsRemaining, ttl)
	pipe.Set(ctx, r.key("reset_timestamp"), state.ResetAt.Unix(), ttl)
	pipe.Set(ctx, r.key("last_update"), lastUpdateJSON, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}
