package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for engine operations.
var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_fetches_total",
		Help: "Total fetches completed by engine and result (records, empty)",
	}, []string{"engine", "result"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trailpoll_fetch_duration_seconds",
		Help:    "Fetch duration in seconds by engine",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"engine"})

	recordsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_records_delivered_total",
		Help: "Total records handed to the record callback by engine",
	}, []string{"engine"})

	recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_records_dropped_total",
		Help: "Total records discarded because the engine terminated before delivery",
	}, []string{"engine"})

	deliveryPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_delivery_panics_total",
		Help: "Total record callback panics recovered by engine",
	}, []string{"engine"})

	demandGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trailpoll_demand",
		Help: "Outstanding consumer demand not yet reserved by a fetch",
	}, []string{"engine"})

	inFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trailpoll_inflight_fetches",
		Help: "Number of fetches currently in flight",
	}, []string{"engine"})
)
