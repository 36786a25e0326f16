package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	errorsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trailpoll_ratelimit_remaining",
		Help: "Number of errors remaining in the current source error budget window",
	})

	blocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailpoll_ratelimit_blocks_total",
		Help: "Total number of requests blocked due to critical error budget",
	})

	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailpoll_ratelimit_throttles_total",
		Help: "Total number of requests throttled due to low error budget",
	})
)

// Config holds tracker configuration.
type Config struct {
	// RemainingHeader carries the remaining error budget.
	// Defaults to "X-Error-Limit-Remain", if empty.
	RemainingHeader string

	// ResetHeader carries the seconds until the budget resets.
	// Defaults to "X-Error-Limit-Reset", if empty.
	ResetHeader string

	// Thresholds decide blocking and throttling.
	// Defaults to DefaultThresholds(), if zero.
	Thresholds Thresholds

	// ThrottleDelay is slept before a throttled request.
	// Defaults to 1s, if 0.
	ThrottleDelay time.Duration
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{
		RemainingHeader: DefaultRemainingHeader,
		ResetHeader:     DefaultResetHeader,
		Thresholds:      DefaultThresholds(),
		ThrottleDelay:   time.Second,
	}
}

// Tracker monitors a source's error budget and gates requests.
type Tracker struct {
	store  StateStore
	config Config
	logger zerolog.Logger
}

// NewTracker creates a tracker. A nil store keeps the state in memory.
func NewTracker(store StateStore, cfg Config, logger zerolog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.RemainingHeader == "" {
		cfg.RemainingHeader = def.RemainingHeader
	}
	if cfg.ResetHeader == "" {
		cfg.ResetHeader = def.ResetHeader
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.ThrottleDelay == 0 {
		cfg.ThrottleDelay = def.ThrottleDelay
	}
	if store == nil {
		store = NewMemoryStateStore()
	}

	return &Tracker{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// GetState returns the current state, or a healthy default when the source
// has not reported one yet.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	state, err := t.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		t.logger.Debug().Msg("No rate limit state stored, assuming healthy")
		return healthyState(), nil
	}
	state.UpdateHealth(t.config.Thresholds)
	return state, nil
}

// UpdateFromHeaders parses the error budget headers and stores the new state.
// Responses without the remaining header are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get(t.config.RemainingHeader)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", t.config.RemainingHeader, err)
	}

	resetStr := headers.Get(t.config.ResetHeader)
	if resetStr == "" {
		return fmt.Errorf("%s header missing", t.config.ResetHeader)
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", t.config.ResetHeader, err)
	}

	now := time.Now()
	state := &State{
		ErrorsRemaining: remain,
		ResetAt:         now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate:      now,
	}
	state.UpdateHealth(t.config.Thresholds)

	if err := t.store.Set(ctx, state); err != nil {
		return err
	}

	errorsRemaining.Set(float64(remain))

	th := t.config.Thresholds
	switch {
	case state.NeedsCriticalBlock(th):
		t.logger.Error().
			Int("errors_remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Error budget CRITICAL - requests will be blocked")
	case state.NeedsThrottling(th):
		t.logger.Warn().
			Int("errors_remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("Error budget WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("errors_remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Error budget state updated")
	}

	return nil
}

// ShouldAllowRequest reports whether a request may be sent. It returns false
// when the budget is critical, and sleeps ThrottleDelay (or until ctx ends)
// before allowing a request when the budget is low.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	th := t.config.Thresholds
	if state.NeedsCriticalBlock(th) {
		t.logger.Error().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Error budget critical - blocking request")

		blocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling(th) {
		t.logger.Warn().
			Int("errors_remaining", state.ErrorsRemaining).
			Dur("delay", t.config.ThrottleDelay).
			Msg("Error budget low - throttling request")

		throttlesTotal.Inc()

		timer := time.NewTimer(t.config.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}
