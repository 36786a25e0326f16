package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/trailpoll/internal/pgconn"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/google/uuid"
)

// PostgresSink inserts records into an events table. Records already stored
// (same event_id) are skipped, so redelivery is harmless.
type PostgresSink struct {
	db        *sql.DB
	tableName string
	insertSQL string
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink creates a sink writing to table (default "trailpoll_events").
// The caller owns db.
func NewPostgresSink(db *sql.DB, table string) (*PostgresSink, error) {
	if db == nil {
		return nil, ErrNilClient
	}
	if table == "" {
		table = pgconn.DefaultTable
	}

	quoted := pgconn.Table(table)
	return &PostgresSink{
		db:        db,
		tableName: table,
		insertSQL: fmt.Sprintf(`
		INSERT INTO %s (event_id, event_name, event_source, event_time, username, payload, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, quoted),
	}, nil
}

// InitSchema creates the events table and its indexes if they don't exist.
func (s *PostgresSink) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgconn.SchemaSQL(s.tableName)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Publish inserts rec. A record without an ID gets a random one.
func (s *PostgresSink) Publish(ctx context.Context, rec record.Record) error {
	eventID := rec.ID
	if eventID == "" {
		eventID = uuid.NewString()
	}

	var eventTime interface{}
	if !rec.Time.IsZero() {
		eventTime = rec.Time
	}

	var username interface{}
	if rec.Username != "" {
		username = rec.Username
	}

	// jsonb columns are sent as text; lib/pq would encode []byte as bytea
	var payload interface{}
	if len(rec.Payload) > 0 && json.Valid(rec.Payload) {
		payload = string(rec.Payload)
	}

	var attributes interface{}
	if len(rec.Attributes) > 0 {
		data, err := json.Marshal(rec.Attributes)
		if err != nil {
			return observe("postgres", fmt.Errorf("failed to marshal attributes: %w", err))
		}
		attributes = string(data)
	}

	_, err := s.db.ExecContext(ctx, s.insertSQL,
		eventID, rec.Name, rec.Source, eventTime, username, payload, attributes)
	if err != nil {
		err = fmt.Errorf("failed to insert event %s: %w", eventID, err)
		if pgconn.IsTransient(err) {
			err = &TransientError{Sink: "postgres", Err: err}
		}
		return observe("postgres", err)
	}
	return observe("postgres", nil)
}
