package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen is the approximate stream length kept by RedisStreamSink.
const DefaultStreamMaxLen = 100000

// RedisStreamConfig configures a RedisStreamSink.
type RedisStreamConfig struct {
	// Stream is the Redis stream key.
	// Defaults to "trailpoll:events", if empty.
	Stream string

	// MaxLen trims the stream approximately (MAXLEN ~).
	// Defaults to DefaultStreamMaxLen, if 0. Negative disables trimming.
	MaxLen int64
}

// RedisStreamSink appends each record to a Redis stream with XADD.
// Entry fields: id, name, source, time, username and record (the full JSON).
type RedisStreamSink struct {
	redis  *redis.Client
	stream string
	maxLen int64
}

var _ Sink = (*RedisStreamSink)(nil)

// NewRedisStreamSink creates a Redis stream sink.
func NewRedisStreamSink(client *redis.Client, cfg RedisStreamConfig) (*RedisStreamSink, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if cfg.Stream == "" {
		cfg.Stream = "trailpoll:events"
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = DefaultStreamMaxLen
	}
	return &RedisStreamSink{
		redis:  client,
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}, nil
}

// Stream returns the stream key.
func (s *RedisStreamSink) Stream() string {
	return s.stream
}

// Publish appends rec to the stream.
func (s *RedisStreamSink) Publish(ctx context.Context, rec record.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return observe("redis", fmt.Errorf("marshal record: %w", err))
	}

	values := map[string]interface{}{
		"id":       rec.ID,
		"name":     rec.Name,
		"source":   rec.Source,
		"username": rec.Username,
		"record":   data,
	}
	if !rec.Time.IsZero() {
		values["time"] = rec.Time.UTC().Format(time.RFC3339Nano)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.redis.XAdd(ctx, args).Err(); err != nil {
		err = fmt.Errorf("redis xadd %s: %w", s.stream, err)
		if isTransientRedis(err) {
			err = &TransientError{Sink: "redis", Err: err}
		}
		return observe("redis", err)
	}
	return observe("redis", nil)
}

// isTransientRedis treats connection level failures as transient.
func isTransientRedis(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, redis.ErrClosed) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
