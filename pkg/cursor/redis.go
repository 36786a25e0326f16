package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the cursor in Redis as a JSON Entry. Several processes
// pointing at the same key share the cursor; the engine still serializes its
// own reads and writes.
type RedisStore struct {
	redis *redis.Client
	key   Key
	ttl   time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed store. A ttl of 0 keeps the key forever.
func NewRedisStore(client *redis.Client, key Key, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &RedisStore{
		redis: client,
		key:   key,
		ttl:   ttl,
	}, nil
}

// Key returns the Redis key used by the store.
func (s *RedisStore) Key() string {
	return s.key.String()
}

// Load retrieves the stored cursor. A missing key is the absent cursor.
func (s *RedisStore) Load(ctx context.Context) (record.Cursor, error) {
	entry, err := s.LoadEntry(ctx)
	if err != nil {
		return "", err
	}
	return entry.Cursor, nil
}

// LoadEntry retrieves the stored entry, including its update time.
func (s *RedisStore) LoadEntry(ctx context.Context) (Entry, error) {
	data, err := s.redis.Get(ctx, s.key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, nil
		}
		StoreErrors.WithLabelValues("load").Inc()
		return Entry{}, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		StoreErrors.WithLabelValues("load").Inc()
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return entry, nil
}

// Save stores the cursor. Saving the absent cursor deletes the key.
func (s *RedisStore) Save(ctx context.Context, c record.Cursor) error {
	if c.IsAbsent() {
		if err := s.redis.Del(ctx, s.key.String()).Err(); err != nil {
			StoreErrors.WithLabelValues("save").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(Entry{Cursor: c, UpdatedAt: time.Now().UTC()})
	if err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal cursor entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.key.String(), data, s.ttl).Err(); err != nil {
		StoreErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
