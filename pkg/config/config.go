// Package config provides YAML configuration for the trailpoll binary.
//
// Example configuration:
//
//	log:
//	  level: info
//
//	metrics:
//	  addr: ":9090"
//
//	poller:
//	  name: cloudtrail
//	  park_interval: 3s
//
//	source:
//	  type: cloudtrail
//	  cloudtrail:
//	    region: ${AWS_REGION:-us-east-1}
//
//	sinks:
//	  - type: log
//	  - type: redis_stream
//	    stream: trailpoll:events
//
//	redis:
//	  addr: ${REDIS_ADDR:-localhost:6379}
//
//	cursor:
//	  store: redis
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/Sternrassler/trailpoll/internal/pgconn"
	"github.com/Sternrassler/trailpoll/pkg/cursor"
	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/fetch/cloudtrail"
	"github.com/Sternrassler/trailpoll/pkg/fetch/httpsource"
	"github.com/Sternrassler/trailpoll/pkg/logging"
	"github.com/Sternrassler/trailpoll/pkg/poller"
	"github.com/Sternrassler/trailpoll/pkg/stream"
	"gopkg.in/yaml.v3"
)

// Source types.
const (
	SourceCloudTrail = "cloudtrail"
	SourceHTTP       = "http"
	SourcePostgres   = "postgres"
)

// Sink types.
const (
	SinkLog         = "log"
	SinkRedisStream = "redis_stream"
	SinkPostgres    = "postgres"
)

// Cursor store types.
const (
	CursorMemory = "memory"
	CursorRedis  = "redis"
)

// Config is the root configuration structure.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Poller   PollerConfig   `yaml:"poller"`
	Stream   StreamConfig   `yaml:"stream"`
	Source   SourceConfig   `yaml:"source"`
	Sinks    []SinkConfig   `yaml:"sinks"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Cursor   CursorConfig   `yaml:"cursor"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	// Level is debug, info, warn, error or disabled. Defaults to info.
	Level string `yaml:"level"`

	// Pretty enables console output instead of JSON.
	Pretty bool `yaml:"pretty"`
}

// MetricsConfig configures the /metrics and /health listener.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9090". Empty disables the listener.
	Addr string `yaml:"addr"`
}

// PollerConfig mirrors poller.Config.
type PollerConfig struct {
	Name          string   `yaml:"name"`
	MaxBatchSize  int      `yaml:"max_batch_size"`
	GateCapacity  int      `yaml:"gate_capacity"`
	ParkInterval  Duration `yaml:"park_interval"`
	ShutdownGrace Duration `yaml:"shutdown_grace"`
	FetchTimeout  Duration `yaml:"fetch_timeout"`
}

// StreamConfig configures the bridge and the consumer.
type StreamConfig struct {
	// Buffer is the capacity of the records channel.
	Buffer int `yaml:"buffer"`

	// HandleTimeout bounds one handler call. Defaults to 30s.
	HandleTimeout Duration `yaml:"handle_timeout"`

	// Prefetch is the demand the consumer keeps outstanding. Defaults to 50.
	Prefetch int `yaml:"prefetch"`
}

// SourceConfig selects and configures the Fetch Port implementation.
type SourceConfig struct {
	// Type is cloudtrail, http or postgres. Defaults to cloudtrail.
	Type string `yaml:"type"`

	CloudTrail CloudTrailConfig `yaml:"cloudtrail"`
	HTTP       HTTPConfig       `yaml:"http"`
	Postgres   PGSourceConfig   `yaml:"postgres"`
}

// CloudTrailConfig configures the CloudTrail source.
type CloudTrailConfig struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`

	// Lookback starts the lookup window this long before startup.
	Lookback Duration `yaml:"lookback"`

	// Attribute filters the lookup, e.g. {key: EventSource, value: s3.amazonaws.com}.
	Attribute *AttributeConfig `yaml:"attribute"`
}

// AttributeConfig is a CloudTrail lookup attribute.
type AttributeConfig struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// HTTPConfig configures the HTTP source.
type HTTPConfig struct {
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     Duration          `yaml:"timeout"`
	MaxAttempts int               `yaml:"max_attempts"`

	// SharedRateLimit keeps the error budget in Redis.
	SharedRateLimit bool `yaml:"shared_rate_limit"`
}

// PGSourceConfig configures the Postgres source.
type PGSourceConfig struct {
	Table string `yaml:"table"`
}

// SinkConfig configures one sink.
type SinkConfig struct {
	// Type is log, redis_stream or postgres.
	Type string `yaml:"type"`

	// Stream and MaxLen apply to redis_stream.
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`

	// Table and InitSchema apply to postgres.
	Table      string `yaml:"table"`
	InitSchema bool   `yaml:"init_schema"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the shared Postgres connection.
type PostgresConfig struct {
	// DSN is a lib/pq connection string.
	DSN string `yaml:"dsn"`
}

// CursorConfig configures cursor persistence.
type CursorConfig struct {
	// Store is memory or redis. Defaults to memory.
	Store string `yaml:"store"`

	// Namespace prefixes the Redis key. Defaults to "trailpoll".
	Namespace string `yaml:"namespace"`

	// TTL expires the stored cursor. 0 keeps it forever.
	TTL Duration `yaml:"ttl"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// An unset variable without a default is an error.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		varName := sub[1]
		hasDefault := sub[2] != ""

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return sub[3]
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data, expands environment variables,
// applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.expand(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = string(logging.LevelInfo)
	}
	if c.Source.Type == "" {
		c.Source.Type = SourceCloudTrail
	}
	if c.Poller.Name == "" {
		c.Poller.Name = c.Source.Type
	}
	if c.Stream.Prefetch == 0 {
		c.Stream.Prefetch = stream.DefaultPrefetch
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: SinkLog}}
	}
	if c.Cursor.Store == "" {
		c.Cursor.Store = CursorMemory
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
}

// expand substitutes environment variables in the string fields that
// usually carry deployment-specific values.
func (c *Config) expand() error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"metrics.addr", &c.Metrics.Addr},
		{"source.cloudtrail.region", &c.Source.CloudTrail.Region},
		{"source.cloudtrail.profile", &c.Source.CloudTrail.Profile},
		{"source.cloudtrail.endpoint", &c.Source.CloudTrail.Endpoint},
		{"source.http.url", &c.Source.HTTP.URL},
		{"redis.addr", &c.Redis.Addr},
		{"redis.password", &c.Redis.Password},
		{"postgres.dsn", &c.Postgres.DSN},
	}
	for _, f := range fields {
		expanded, err := expandEnvVars(*f.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = expanded
	}

	for k, v := range c.Source.HTTP.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("source.http.headers[%s]: %w", k, err)
		}
		c.Source.HTTP.Headers[k] = expanded
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch logging.LogLevel(c.Log.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError, logging.LevelDisabled:
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}

	if _, err := c.EngineConfig(); err != nil {
		return fmt.Errorf("poller: %w", err)
	}
	if c.Stream.Buffer < 0 {
		return fmt.Errorf("stream.buffer must be >= 0, got %d", c.Stream.Buffer)
	}
	if c.Stream.HandleTimeout < 0 {
		return fmt.Errorf("stream.handle_timeout cannot be negative")
	}
	if c.Stream.Prefetch < 1 {
		return fmt.Errorf("stream.prefetch must be >= 1, got %d", c.Stream.Prefetch)
	}

	needsRedis := c.Cursor.Store == CursorRedis
	needsPostgres := false

	switch c.Source.Type {
	case SourceCloudTrail:
		if err := c.CloudTrailConfig(time.Now()).Validate(); err != nil {
			return fmt.Errorf("source.cloudtrail: %w", err)
		}
		if c.Source.CloudTrail.Lookback < 0 {
			return fmt.Errorf("source.cloudtrail.lookback cannot be negative")
		}
	case SourceHTTP:
		if c.Source.HTTP.URL == "" {
			return errors.New("source.http.url is required")
		}
		u, err := url.Parse(c.Source.HTTP.URL)
		if err != nil {
			return fmt.Errorf("source.http.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("source.http.url scheme must be http or https, got %q", u.Scheme)
		}
		if c.Source.HTTP.Timeout < 0 || c.Source.HTTP.MaxAttempts < 0 {
			return errors.New("source.http: timeout and max_attempts cannot be negative")
		}
		needsRedis = needsRedis || c.Source.HTTP.SharedRateLimit
	case SourcePostgres:
		needsPostgres = true
	default:
		return fmt.Errorf("source.type: unknown type %q (expected cloudtrail, http or postgres)", c.Source.Type)
	}

	for i, s := range c.Sinks {
		switch s.Type {
		case SinkLog:
		case SinkRedisStream:
			if s.MaxLen < 0 {
				return fmt.Errorf("sinks[%d]: max_len cannot be negative", i)
			}
			needsRedis = true
		case SinkPostgres:
			needsPostgres = true
		default:
			return fmt.Errorf("sinks[%d]: unknown type %q (expected log, redis_stream or postgres)", i, s.Type)
		}
	}

	switch c.Cursor.Store {
	case CursorMemory, CursorRedis:
	default:
		return fmt.Errorf("cursor.store: unknown store %q (expected memory or redis)", c.Cursor.Store)
	}
	if c.Cursor.TTL < 0 {
		return errors.New("cursor.ttl cannot be negative")
	}

	if needsRedis && c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if needsPostgres && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	return nil
}

// NeedsRedis reports whether any configured component uses Redis.
func (c *Config) NeedsRedis() bool {
	if c.Cursor.Store == CursorRedis {
		return true
	}
	if c.Source.Type == SourceHTTP && c.Source.HTTP.SharedRateLimit {
		return true
	}
	for _, s := range c.Sinks {
		if s.Type == SinkRedisStream {
			return true
		}
	}
	return false
}

// NeedsPostgres reports whether any configured component uses Postgres.
func (c *Config) NeedsPostgres() bool {
	if c.Source.Type == SourcePostgres {
		return true
	}
	for _, s := range c.Sinks {
		if s.Type == SinkPostgres {
			return true
		}
	}
	return false
}

// LoggingConfig converts the log section.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}

// EngineConfig converts the poller section, applying engine defaults.
func (c *Config) EngineConfig() (poller.Config, error) {
	p := c.Poller
	if p.MaxBatchSize > fetch.MaxLimit {
		return poller.Config{}, fmt.Errorf("max_batch_size must be <= %d, got %d", fetch.MaxLimit, p.MaxBatchSize)
	}
	cfg := poller.Config{
		Name:          p.Name,
		MaxBatchSize:  p.MaxBatchSize,
		GateCapacity:  p.GateCapacity,
		ParkInterval:  p.ParkInterval.Duration(),
		ShutdownGrace: p.ShutdownGrace.Duration(),
		FetchTimeout:  p.FetchTimeout.Duration(),
	}
	if err := cfg.Validate(); err != nil {
		return poller.Config{}, err
	}
	return cfg, nil
}

// StreamConfig converts the poller and stream sections. store may be nil.
func (c *Config) StreamConfig(store cursor.Store) (stream.Config, error) {
	engine, err := c.EngineConfig()
	if err != nil {
		return stream.Config{}, err
	}
	engine.CursorStore = store

	cfg := stream.DefaultConfig()
	cfg.Poller = engine
	cfg.Buffer = c.Stream.Buffer
	if c.Stream.HandleTimeout > 0 {
		cfg.HandleTimeout = c.Stream.HandleTimeout.Duration()
	}
	return cfg, nil
}

// CloudTrailConfig converts the cloudtrail section. A lookback is resolved
// against now.
func (c *Config) CloudTrailConfig(now time.Time) cloudtrail.Config {
	ct := c.Source.CloudTrail
	cfg := cloudtrail.Config{
		Region:   ct.Region,
		Profile:  ct.Profile,
		Endpoint: ct.Endpoint,
	}
	if ct.Lookback > 0 {
		cfg.StartTime = now.Add(-ct.Lookback.Duration())
	}
	if ct.Attribute != nil {
		cfg.Attributes = []cloudtrail.Attribute{{Key: ct.Attribute.Key, Value: ct.Attribute.Value}}
	}
	return cfg
}

// HTTPSourceConfig converts the http section.
func (c *Config) HTTPSourceConfig() httpsource.Config {
	h := c.Source.HTTP
	cfg := httpsource.Config{
		BaseURL: h.URL,
		Name:    c.Poller.Name,
		Headers: h.Headers,
		Timeout: h.Timeout.Duration(),
	}
	if h.MaxAttempts > 0 {
		cfg.Retry = httpsource.DefaultRetryConfig()
		cfg.Retry.MaxAttempts = h.MaxAttempts
	}
	return cfg
}

// CursorKey returns the Redis key of the engine's cursor, scoped by source.
func (c *Config) CursorKey() cursor.Key {
	key := cursor.Key{
		Namespace: c.Cursor.Namespace,
		Name:      c.Poller.Name,
	}
	switch c.Source.Type {
	case SourceCloudTrail:
		region := c.Source.CloudTrail.Region
		if region == "" {
			region = cloudtrail.DefaultRegion
		}
		key.Scope = map[string]string{"region": region}
	case SourcePostgres:
		table := c.Source.Postgres.Table
		if table == "" {
			table = pgconn.DefaultTable
		}
		key.Scope = map[string]string{"table": table}
	}
	return key
}
