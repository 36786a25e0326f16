// Package metrics provides the Prometheus registry and HTTP handler for
// trailpoll. All metrics are defined in their respective packages (poller,
// fetch, sink, ...) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all trailpoll metrics are registered with via
// promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer exposing Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Engine Metrics (pkg/poller):
//   - trailpoll_fetches_total{engine, result} (Counter): Completed fetches (records, empty)
//   - trailpoll_fetch_duration_seconds{engine} (Histogram): Fetch duration
//   - trailpoll_records_delivered_total{engine} (Counter): Records passed to the callback
//   - trailpoll_records_dropped_total{engine} (Counter): Records discarded after termination
//   - trailpoll_delivery_panics_total{engine} (Counter): Recovered callback panics
//   - trailpoll_demand{engine} (Gauge): Outstanding demand
//   - trailpoll_inflight_fetches{engine} (Gauge): Fetches currently in flight
//
// Cursor Metrics (pkg/cursor):
//   - trailpoll_cursor_store_errors_total{operation} (Counter): Failed cursor loads and saves
//
// Source Metrics (pkg/fetch, pkg/fetch/httpsource):
//   - trailpoll_source_calls_total{source, result} (Counter): Source calls (ok, empty, error, panic)
//   - trailpoll_source_call_duration_seconds{source} (Histogram): Source call duration
//   - trailpoll_source_requests_total{source, status} (Counter): HTTP requests by status
//   - trailpoll_source_retries_total{error_class} (Counter): Retry attempts by error class
//   - trailpoll_source_retry_backoff_seconds{error_class} (Histogram): Backoff duration
//   - trailpoll_source_retry_exhausted_total{error_class} (Counter): Requests that exhausted retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - trailpoll_ratelimit_remaining (Gauge): Errors remaining in the source's budget window
//   - trailpoll_ratelimit_blocks_total (Counter): Requests blocked on a critical budget
//   - trailpoll_ratelimit_throttles_total (Counter): Requests throttled on a low budget
//
// Pipeline Metrics (pkg/stream, pkg/handler, pkg/sink):
//   - trailpoll_pipeline_recoveries_total (Counter): Failures replaced by an empty record
//   - trailpoll_handler_outcomes_total{outcome} (Counter): Handler outcomes (processed, retryable, fatal)
//   - trailpoll_sink_publish_total{sink, result} (Counter): Sink publishes (ok, transient, error)
//
// Example Prometheus Queries:
//
//   # Records per second
//   sum(rate(trailpoll_records_delivered_total[5m])) by (engine)
//
//   # Share of failed source calls
//   sum(rate(trailpoll_source_calls_total{result="error"}[5m])) /
//   sum(rate(trailpoll_source_calls_total[5m]))
//
//   # Engine starved of demand
//   trailpoll_demand == 0 and trailpoll_inflight_fetches == 0
//
//   # P95 fetch latency
//   histogram_quantile(0.95, rate(trailpoll_fetch_duration_seconds_bucket[5m]))
