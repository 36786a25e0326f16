// Package record defines the values that flow from a paginated source through
// the poller to the consumer: records, pagination cursors and fetched pages.
package record

import (
	"encoding/json"
	"time"
)

// Cursor is an opaque continuation token returned by a paginated source.
// The empty cursor means "absent": start from the beginning, or no further page.
type Cursor string

// IsAbsent reports whether the cursor carries no continuation token.
func (c Cursor) IsAbsent() bool {
	return c == ""
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	if c.IsAbsent() {
		return "<absent>"
	}
	return string(c)
}

// Record is a single event received from a source.
// Records are treated as immutable once received.
type Record struct {
	// ID is the source-assigned identifier (e.g. CloudTrail EventId).
	ID string `json:"id,omitempty"`

	// Name is the event name (e.g. "ConsoleLogin").
	Name string `json:"name"`

	// Source is the event source (e.g. "signin.amazonaws.com").
	Source string `json:"source"`

	// Time is when the event occurred at the source.
	Time time.Time `json:"time,omitempty"`

	// Username is the principal that caused the event, if known.
	Username string `json:"username,omitempty"`

	// Payload is the raw event body as returned by the source.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Attributes holds additional source-specific key/value pairs.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsZero reports whether r is the empty record. The stream emits an empty
// record in place of one whose processing failed unexpectedly.
func (r Record) IsZero() bool {
	return r.ID == "" && r.Name == "" && r.Source == "" && r.Time.IsZero() &&
		r.Username == "" && len(r.Payload) == 0 && len(r.Attributes) == 0
}

// Page is the result of a single fetch: an ordered batch of records and the
// cursor to present on the next call.
type Page struct {
	Records []Record
	Next    Cursor
}

// Len returns the number of records in the page.
func (p Page) Len() int {
	return len(p.Records)
}
