// Package pgconn holds the PostgreSQL plumbing shared by the Postgres source
// and sink: opening a lib/pq connection, the events table schema and error
// classification.
package pgconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

// DefaultTable is the events table used when none is configured.
const DefaultTable = "trailpoll_events"

// Open opens a lib/pq connection pool and verifies it with a ping.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Table returns the quoted table name, falling back to DefaultTable.
func Table(name string) string {
	if name == "" {
		name = DefaultTable
	}
	return pq.QuoteIdentifier(name)
}

// SchemaSQL returns the DDL for the events table. seq orders the table for
// keyset pagination; event_id deduplicates records.
func SchemaSQL(name string) string {
	if name == "" {
		name = DefaultTable
	}
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL PRIMARY KEY,
		event_id VARCHAR(255) NOT NULL,
		event_name VARCHAR(255) NOT NULL,
		event_source VARCHAR(255) NOT NULL,
		event_time TIMESTAMP WITH TIME ZONE,
		username VARCHAR(255),
		payload JSONB,
		attributes JSONB,
		received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(event_id);
	`, pq.QuoteIdentifier(name),
		pq.QuoteIdentifier("idx_"+name+"_event_id"), pq.QuoteIdentifier(name))
}

// IsTransient reports whether err is worth retrying: connection exceptions,
// transaction rollbacks (serialization, deadlock), insufficient resources,
// operator intervention, and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
