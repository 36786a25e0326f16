// Package testutil provides testing utilities for trailpoll: scripted
// in-memory fetchers and a mock paginated HTTP source.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/record"
)

// MockResponse defines a canned response of the mock source.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSource is a paginated JSON event endpoint for testing. It serves its
// events in order; next_token is the offset after the last served event and
// is omitted when a page is empty.
type MockSource struct {
	server *httptest.Server

	mu        sync.RWMutex
	events    []record.Record
	queued    []MockResponse
	remaining int

	// Tracking
	RequestCount      int
	LastQuery         map[string]string
	LastRequestHeader http.Header
}

// NewMockSource creates a mock source serving events.
func NewMockSource(events ...record.Record) *MockSource {
	mock := &MockSource{
		events:    events,
		remaining: 100,
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the page endpoint URL.
func (m *MockSource) URL() string {
	return m.server.URL + "/events"
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// AddEvents appends events to the served log.
func (m *MockSource) AddEvents(events ...record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// Enqueue queues canned responses served before any page.
func (m *MockSource) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, responses...)
}

// SetErrorBudget sets the value of the remaining error budget header.
func (m *MockSource) SetErrorBudget(remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining = remaining
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSource) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetLastQuery returns the query parameters of the last request.
func (m *MockSource) GetLastQuery() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastQuery
}

func (m *MockSource) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.LastQuery = make(map[string]string)
	for k := range r.URL.Query() {
		m.LastQuery[k] = r.URL.Query().Get(k)
	}

	var canned *MockResponse
	if len(m.queued) > 0 {
		resp := m.queued[0]
		m.queued = m.queued[1:]
		canned = &resp
	}
	remaining := m.remaining
	events := m.events
	m.mu.Unlock()

	w.Header().Set("X-Error-Limit-Remain", strconv.Itoa(remaining))
	w.Header().Set("X-Error-Limit-Reset", "60")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if canned != nil {
		if canned.Delay > 0 {
			time.Sleep(canned.Delay)
		}
		for key, value := range canned.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(canned.StatusCode)
		if canned.Body != "" {
			w.Write([]byte(canned.Body))
		}
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("next_token"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if offset > len(events) {
		offset = len(events)
	}
	end := offset + limit
	if end > len(events) {
		end = len(events)
	}

	body := struct {
		Events    []record.Record `json:"events"`
		NextToken string          `json:"next_token,omitempty"`
	}{
		Events: events[offset:end],
	}
	if end > offset {
		body.NextToken = strconv.Itoa(end)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
	}
}

// NewBadRequestResponse creates a 400 Bad Request response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusBadRequest,
		Body:       `{"error": "invalid next_token"}`,
	}
}
