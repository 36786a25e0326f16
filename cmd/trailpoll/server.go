package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/metrics"
	"github.com/Sternrassler/trailpoll/pkg/poller"
)

// healthResponse is the body of /health.
type healthResponse struct {
	Status    string `json:"status"`
	Engine    string `json:"engine"`
	State     string `json:"state"`
	Demand    int64  `json:"demand"`
	InFlight  int64  `json:"in_flight"`
	Cursor    string `json:"cursor,omitempty"`
	Fetches   int64  `json:"fetches"`
	Delivered int64  `json:"delivered"`
	Dropped   int64  `json:"dropped"`
}

// newServer serves /metrics and /health for engine.
func newServer(addr string, engine *poller.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(engine))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// healthHandler reports the engine stats; it answers 503 unless the engine
// is running.
func healthHandler(engine *poller.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := engine.Stats()

		resp := healthResponse{
			Status:    "ok",
			Engine:    engine.Config().Name,
			State:     stats.State.String(),
			Demand:    stats.Demand,
			InFlight:  stats.InFlight,
			Cursor:    string(stats.Cursor),
			Fetches:   stats.Fetches,
			Delivered: stats.Delivered,
			Dropped:   stats.Dropped,
		}

		code := http.StatusOK
		if stats.State != poller.StateRunning {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
