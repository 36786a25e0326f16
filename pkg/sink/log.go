package sink

import (
	"context"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/rs/zerolog"
)

// LogSink writes one info line per record. It never fails.
type LogSink struct {
	logger zerolog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the record's name and source.
func (s *LogSink) Publish(ctx context.Context, rec record.Record) error {
	event := s.logger.Info().
		Str("event_name", rec.Name).
		Str("event_source", rec.Source)
	if rec.ID != "" {
		event = event.Str("event_id", rec.ID)
	}
	if rec.Username != "" {
		event = event.Str("username", rec.Username)
	}
	event.Msgf("Event name is %s From Source %s", rec.Name, rec.Source)

	return observe("log", nil)
}
