package pgconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lib/pq"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "deadline", err: fmt.Errorf("insert: %w", context.DeadlineExceeded), want: true},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, want: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: true},
		{name: "too many connections", err: &pq.Error{Code: "53300"}, want: true},
		{name: "admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "undefined table", err: fmt.Errorf("query: %w", &pq.Error{Code: "42P01"}), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTable(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "", want: `"trailpoll_events"`},
		{name: "audit", want: `"audit"`},
		{name: `we"ird`, want: `"we""ird"`},
	}

	for _, tt := range tests {
		if got := Table(tt.name); got != tt.want {
			t.Errorf("Table(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestSchemaSQL(t *testing.T) {
	ddl := SchemaSQL("audit")

	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "audit"`,
		"seq BIGSERIAL PRIMARY KEY",
		`CREATE UNIQUE INDEX IF NOT EXISTS "idx_audit_event_id" ON "audit"(event_id)`,
	} {
		if !strings.Contains(ddl, want) {
			t.Errorf("SchemaSQL() missing %q", want)
		}
	}
}
