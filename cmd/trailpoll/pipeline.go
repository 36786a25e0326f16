package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/trailpoll/internal/pgconn"
	"github.com/Sternrassler/trailpoll/pkg/config"
	"github.com/Sternrassler/trailpoll/pkg/cursor"
	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/fetch/cloudtrail"
	"github.com/Sternrassler/trailpoll/pkg/fetch/httpsource"
	"github.com/Sternrassler/trailpoll/pkg/fetch/pgsource"
	"github.com/Sternrassler/trailpoll/pkg/handler"
	"github.com/Sternrassler/trailpoll/pkg/logging"
	"github.com/Sternrassler/trailpoll/pkg/ratelimit"
	"github.com/Sternrassler/trailpoll/pkg/sink"
	"github.com/Sternrassler/trailpoll/pkg/stream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// connectTimeout bounds the startup pings of Redis and Postgres.
const connectTimeout = 10 * time.Second

// pipeline is one configured source, handler and stream plus the
// connections they share.
type pipeline struct {
	stream *stream.Stream

	redis *redis.Client
	db    *sql.DB

	base   zerolog.Logger
	logger zerolog.Logger
}

// newPipeline connects to the backing services cfg needs and wires the stream.
// logger must not carry a component field yet; each part tags its own.
func newPipeline(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *pipeline, err error) {
	p := &pipeline{base: logger, logger: logging.WithComponent(logger, logging.ComponentCLI)}
	defer func() {
		if err != nil {
			if cerr := p.Close(); cerr != nil {
				p.logger.Warn().Err(cerr).Msg("Failed to close connections after startup error")
			}
		}
	}()

	if err := p.connect(ctx, cfg); err != nil {
		return nil, err
	}

	source, err := p.source(cfg)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	fetcher, err := fetch.NewSafe(cfg.Poller.Name, source, logging.WithComponent(logger, logging.ComponentFetch))
	if err != nil {
		return nil, err
	}

	out, err := p.sinks(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sinks: %w", err)
	}
	h := handler.NewSinkHandler(out, logging.WithComponent(logger, logging.ComponentHandler))

	var store cursor.Store
	if cfg.Cursor.Store == config.CursorRedis {
		store, err = cursor.NewRedisStore(p.redis, cfg.CursorKey(), cfg.Cursor.TTL.Duration())
		if err != nil {
			return nil, fmt.Errorf("cursor store: %w", err)
		}
	}

	scfg, err := cfg.StreamConfig(store)
	if err != nil {
		return nil, err
	}

	p.stream, err = stream.New(fetcher, h, scfg, logger)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	return p, nil
}

func (p *pipeline) connect(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if cfg.NeedsRedis() {
		p.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := p.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		p.logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	if cfg.NeedsPostgres() {
		db, err := pgconn.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		p.db = db
		p.logger.Info().Msg("Connected to Postgres")
	}
	return nil
}

func (p *pipeline) source(cfg *config.Config) (fetch.Source, error) {
	logger := logging.WithComponent(p.base, logging.ComponentFetch)

	switch cfg.Source.Type {
	case config.SourceCloudTrail:
		return cloudtrail.NewFromSession(cfg.CloudTrailConfig(time.Now()), logger)

	case config.SourceHTTP:
		hc := cfg.HTTPSourceConfig()
		if cfg.Source.HTTP.SharedRateLimit {
			store, err := ratelimit.NewRedisStateStore(p.redis, cfg.Cursor.Namespace)
			if err != nil {
				return nil, err
			}
			hc.RateLimitStore = store
		}
		return httpsource.New(hc, logger)

	case config.SourcePostgres:
		return pgsource.New(p.db, cfg.Source.Postgres.Table, logger)

	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

func (p *pipeline) sinks(ctx context.Context, cfg *config.Config) (sink.Sink, error) {
	logger := logging.WithComponent(p.base, logging.ComponentSink)

	sinks := make([]sink.Sink, 0, len(cfg.Sinks))
	for i, sc := range cfg.Sinks {
		switch sc.Type {
		case config.SinkLog:
			sinks = append(sinks, sink.NewLogSink(logger))

		case config.SinkRedisStream:
			s, err := sink.NewRedisStreamSink(p.redis, sink.RedisStreamConfig{Stream: sc.Stream, MaxLen: sc.MaxLen})
			if err != nil {
				return nil, fmt.Errorf("sinks[%d]: %w", i, err)
			}
			sinks = append(sinks, s)

		case config.SinkPostgres:
			s, err := sink.NewPostgresSink(p.db, sc.Table)
			if err != nil {
				return nil, fmt.Errorf("sinks[%d]: %w", i, err)
			}
			if sc.InitSchema {
				if err := s.InitSchema(ctx); err != nil {
					return nil, fmt.Errorf("sinks[%d]: %w", i, err)
				}
			}
			sinks = append(sinks, s)

		default:
			return nil, fmt.Errorf("sinks[%d]: unknown type %q", i, sc.Type)
		}
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sink.NewMultiSink(sinks...)
}

// Close cancels the stream and closes the connections.
func (p *pipeline) Close() error {
	if p.stream != nil {
		p.stream.Cancel()
	}

	var errs []error
	if p.db != nil {
		errs = append(errs, p.db.Close())
	}
	if p.redis != nil {
		errs = append(errs, p.redis.Close())
	}
	return errors.Join(errs...)
}
