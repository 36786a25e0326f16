package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/rs/zerolog"
)

type classifiedErr struct{}

func (classifiedErr) Error() string { return "throttled" }
func (classifiedErr) Class() string { return "throttled" }

func TestNewSafe_NilSource(t *testing.T) {
	_, err := NewSafe("test", nil, zerolog.Nop())
	if !errors.Is(err, ErrNilSource) {
		t.Errorf("NewSafe(nil) error = %v, want %v", err, ErrNilSource)
	}
}

func TestSafe_Fetch(t *testing.T) {
	page := record.Page{
		Records: []record.Record{{Name: "test-event", Source: "test-source"}},
		Next:    "next-1",
	}

	tests := []struct {
		name       string
		source     SourceFunc
		wantLen    int
		wantCursor record.Cursor
	}{
		{
			name: "success",
			source: func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
				return page, nil
			},
			wantLen:    1,
			wantCursor: "next-1",
		},
		{
			name: "error maps to empty page",
			source: func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
				return page, errors.New("network down")
			},
			wantLen:    0,
			wantCursor: "",
		},
		{
			name: "classified error maps to empty page",
			source: func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
				return record.Page{}, classifiedErr{}
			},
			wantLen:    0,
			wantCursor: "",
		},
		{
			name: "panic maps to empty page",
			source: func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
				panic("boom")
			},
			wantLen:    0,
			wantCursor: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			safe, err := NewSafe("test", tt.source, zerolog.Nop())
			if err != nil {
				t.Fatalf("NewSafe() error = %v", err)
			}

			got := safe.Fetch(context.Background(), "", 10)
			if got.Len() != tt.wantLen {
				t.Errorf("Len() = %d, want %d", got.Len(), tt.wantLen)
			}
			if got.Next != tt.wantCursor {
				t.Errorf("Next = %q, want %q", got.Next, tt.wantCursor)
			}
		})
	}
}

func TestSafe_Fetch_ClampsLimit(t *testing.T) {
	var seen []int
	source := SourceFunc(func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
		seen = append(seen, limit)
		return record.Page{}, nil
	})

	safe, err := NewSafe("", source, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSafe() error = %v", err)
	}

	safe.Fetch(context.Background(), "", 0)
	safe.Fetch(context.Background(), "", 500)
	safe.Fetch(context.Background(), "", 7)

	want := []int{1, MaxLimit, 7}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("call %d limit = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestSafe_Fetch_PassesCursor(t *testing.T) {
	var got record.Cursor
	source := SourceFunc(func(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
		got = cursor
		return record.Page{}, nil
	})

	safe, _ := NewSafe("test", source, zerolog.Nop())
	safe.Fetch(context.Background(), "token-7", 5)

	if got != "token-7" {
		t.Errorf("cursor = %q, want %q", got, "token-7")
	}
}

func TestFetcherFunc(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, cursor record.Cursor, limit int) record.Page {
		return record.Page{Next: record.Cursor(cursor + "x")}
	})

	if got := f.Fetch(context.Background(), "a", 1).Next; got != "ax" {
		t.Errorf("Next = %q, want %q", got, "ax")
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-3, 1},
		{0, 1},
		{1, 1},
		{25, 25},
		{MaxLimit, MaxLimit},
		{MaxLimit + 1, MaxLimit},
	}

	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
