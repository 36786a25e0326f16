package pgsource

import (
	"errors"
	"strings"
	"testing"

	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/rs/zerolog"
)

func TestNew_NilDB(t *testing.T) {
	_, err := New(nil, "", zerolog.Nop())
	if !errors.Is(err, ErrNilDB) {
		t.Errorf("New(nil) error = %v, want %v", err, ErrNilDB)
	}
}

func TestParseCursor(t *testing.T) {
	tests := []struct {
		name    string
		cursor  record.Cursor
		want    int64
		wantErr bool
	}{
		{name: "absent", cursor: "", want: 0},
		{name: "zero", cursor: "0", want: 0},
		{name: "seq", cursor: "1234", want: 1234},
		{name: "negative", cursor: "-1", wantErr: true},
		{name: "not a number", cursor: "abc", wantErr: true},
		{name: "foreign token", cursor: "eyJuZXh0IjoxfQ==", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCursor(tt.cursor)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCursor(%q) error = %v, wantErr %v", tt.cursor, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCursor) {
					t.Errorf("error = %v, want %v", err, ErrInvalidCursor)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseCursor(%q) = %d, want %d", tt.cursor, got, tt.want)
			}
		})
	}
}

func TestFormatCursor(t *testing.T) {
	c := FormatCursor(42)
	if c != "42" {
		t.Errorf("FormatCursor(42) = %q, want %q", c, "42")
	}

	seq, err := ParseCursor(c)
	if err != nil || seq != 42 {
		t.Errorf("ParseCursor(FormatCursor(42)) = %d, %v", seq, err)
	}
}

func TestPageQuery(t *testing.T) {
	q := pageQuery("audit events")

	for _, want := range []string{
		`FROM "audit events"`,
		"WHERE seq > $1",
		"ORDER BY seq ASC",
		"LIMIT $2",
	} {
		if !strings.Contains(q, want) {
			t.Errorf("pageQuery() missing %q:\n%s", want, q)
		}
	}
}

func TestError_Class(t *testing.T) {
	var err error = &Error{ErrorClass: ClassCursor, Err: ErrInvalidCursor}

	var classified fetch.Classified
	if !errors.As(err, &classified) {
		t.Fatal("Error should implement fetch.Classified")
	}
	if classified.Class() != ClassCursor {
		t.Errorf("Class() = %q, want %q", classified.Class(), ClassCursor)
	}
	if !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("errors.Is(err, ErrInvalidCursor) = false")
	}
}
