// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Component names used for the "component" field.
const (
	ComponentPoller  = "poller"
	ComponentStream  = "stream"
	ComponentFetch   = "fetch"
	ComponentHandler = "handler"
	ComponentSink    = "sink"
	ComponentCLI     = "cli"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. Unknown values map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger tagged with the component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithComponent tags an existing logger with a component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Log Level Guidelines:
//
// Debug: detailed flow information
//   - Loop park/wake, batch reservation, fetch dispatch
//   - Cursor updates, suppressed retryable handler errors
//
// Info: normal operation events
//   - Engine/stream start and termination
//   - Sink output of the default log sink
//   - Server startup/shutdown
//
// Warn: conditions that don't stop the pipeline
//   - Fetch failures mapped to empty pages
//   - Rate limit throttling, source retries
//   - Cursor store errors, oversized pages
//
// Error: conditions requiring attention
//   - Record delivery panics, fatal handler errors
//   - Pipeline recoveries (synthetic empty record emitted)
//   - Worker not exiting within the shutdown grace period
//
// Context Fields:
//   - engine: engine name
//   - batch: reserved batch size
//   - returned: records returned by a fetch
//   - cursor: pagination cursor
//   - demand: outstanding demand after an update
//   - in_flight: in-flight fetch count
//   - error_class: error classification (client, server, rate_limit, network, throttled, decode)
//   - outcome: handler outcome (processed, retryable, fatal)
//   - correlation_id: id of a recovered panic
//   - event_name / event_source / event_id: record identity
