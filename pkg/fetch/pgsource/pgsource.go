// Package pgsource implements a fetch.Source over a PostgreSQL events table
// using keyset pagination on its seq column. The cursor is the seq of the
// last returned row as a decimal string.
package pgsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/trailpoll/internal/pgconn"
	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/rs/zerolog"
)

// ErrNilDB is returned by New when no database is given.
var ErrNilDB = errors.New("pgsource: db is required")

// ErrInvalidCursor is returned for a cursor that is not a non-negative integer.
var ErrInvalidCursor = errors.New("pgsource: invalid cursor")

// Error classes reported through fetch.Classified.
const (
	ClassCursor    = "cursor"
	ClassTransient = "transient"
	ClassQuery     = "query"
)

// Error wraps a failed page query with its class.
type Error struct {
	ErrorClass string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("pgsource %s error: %v", e.ErrorClass, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Class implements fetch.Classified.
func (e *Error) Class() string {
	return e.ErrorClass
}

// Source reads pages of events from a table created by pgconn.SchemaSQL.
type Source struct {
	db       *sql.DB
	query    string
	logger   zerolog.Logger
	tableKey string
}

var _ fetch.Source = (*Source)(nil)

// New creates a source reading from table (default "trailpoll_events").
// The caller owns db.
func New(db *sql.DB, table string, logger zerolog.Logger) (*Source, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	if table == "" {
		table = pgconn.DefaultTable
	}

	return &Source{
		db:       db,
		query:    pageQuery(table),
		logger:   logger.With().Str("table", table).Logger(),
		tableKey: table,
	}, nil
}

// pageQuery returns the keyset query for table.
func pageQuery(table string) string {
	return fmt.Sprintf(`
		SELECT seq, event_id, event_name, event_source, event_time, username, payload, attributes
		FROM %s
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, pgconn.Table(table))
}

// ParseCursor converts a cursor to the seq it points past. The absent cursor
// is seq 0, the start of the table.
func ParseCursor(cursor record.Cursor) (int64, error) {
	if cursor.IsAbsent() {
		return 0, nil
	}
	seq, err := strconv.ParseInt(string(cursor), 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, string(cursor))
	}
	return seq, nil
}

// FormatCursor converts a seq to a cursor.
func FormatCursor(seq int64) record.Cursor {
	return record.Cursor(strconv.FormatInt(seq, 10))
}

// Fetch returns up to limit rows after cursor. An empty result repeats the
// given cursor, so the next call polls the same position.
func (s *Source) Fetch(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
	after, err := ParseCursor(cursor)
	if err != nil {
		return record.Page{}, &Error{ErrorClass: ClassCursor, Err: err}
	}

	rows, err := s.db.QueryContext(ctx, s.query, after, fetch.ClampLimit(limit))
	if err != nil {
		return record.Page{}, s.classify(fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	var (
		records []record.Record
		lastSeq = after
	)
	for rows.Next() {
		var (
			seq        int64
			rec        record.Record
			eventTime  sql.NullTime
			username   sql.NullString
			payload    []byte
			attributes []byte
		)
		if err := rows.Scan(&seq, &rec.ID, &rec.Name, &rec.Source, &eventTime, &username, &payload, &attributes); err != nil {
			return record.Page{}, s.classify(fmt.Errorf("failed to scan event row: %w", err))
		}

		if eventTime.Valid {
			rec.Time = eventTime.Time.UTC()
		}
		rec.Username = username.String
		if len(payload) > 0 {
			rec.Payload = json.RawMessage(payload)
		}
		if len(attributes) > 0 {
			if err := json.Unmarshal(attributes, &rec.Attributes); err != nil {
				return record.Page{}, &Error{ErrorClass: ClassQuery, Err: fmt.Errorf("failed to parse attributes of %s: %w", rec.ID, err)}
			}
		}

		records = append(records, rec)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return record.Page{}, s.classify(fmt.Errorf("error iterating rows: %w", err))
	}

	s.logger.Debug().
		Int64("after", after).
		Int64("last_seq", lastSeq).
		Int("rows", len(records)).
		Msg("Fetched page")

	return record.Page{Records: records, Next: FormatCursor(lastSeq)}, nil
}

func (s *Source) classify(err error) error {
	if pgconn.IsTransient(err) {
		return &Error{ErrorClass: ClassTransient, Err: err}
	}
	return &Error{ErrorClass: ClassQuery, Err: err}
}

// Lag returns the number of rows after cursor.
func (s *Source) Lag(ctx context.Context, cursor record.Cursor) (int64, error) {
	after, err := ParseCursor(cursor)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int64
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE seq > $1`, pgconn.Table(s.tableKey))
	if err := s.db.QueryRowContext(ctx, q, after).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}
