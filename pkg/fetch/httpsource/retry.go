package httpsource

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_source_retries_total",
		Help: "Total number of source retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trailpoll_source_retry_backoff_seconds",
		Help:    "Backoff duration for source retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailpoll_source_retry_exhausted_total",
		Help: "Total number of times source retries were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the backoff after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff after every failure.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// RetryConfigForErrorClass scales base for an error class: rate limit
// failures back off five times longer, network failures twice as long.
func RetryConfigForErrorClass(base RetryConfig, errorClass ErrorClass) RetryConfig {
	base = base.withDefaults()

	scale := time.Duration(1)
	switch errorClass {
	case ErrorClassRateLimit:
		scale = 5
	case ErrorClassNetwork:
		scale = 2
	}

	base.InitialBackoff *= scale
	base.MaxBackoff *= scale
	return base
}

// attemptFunc performs one attempt and reports the class of its failure.
type attemptFunc func() (ErrorClass, error)

// retryWithBackoff runs fn until it succeeds, fails with a non-retryable
// class, or MaxAttempts is reached. Backoff is exponential with ±20% jitter
// and follows the class of the latest failure.
func retryWithBackoff(ctx context.Context, base RetryConfig, logger zerolog.Logger, fn attemptFunc) error {
	base = base.withDefaults()

	var (
		lastErr    error
		errorClass ErrorClass
	)

	for attempt := 1; attempt <= base.MaxAttempts; attempt++ {
		errorClass, lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		if !shouldRetry(errorClass) {
			return lastErr
		}

		if attempt >= base.MaxAttempts {
			break
		}

		config := RetryConfigForErrorClass(base, errorClass)
		backoff := config.InitialBackoff
		for i := 1; i < attempt; i++ {
			backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		}
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}

		retriesTotal.WithLabelValues(string(errorClass)).Inc()

		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		retryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(jitter.Seconds())

		logger.Debug().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return &SourceError{
				ErrorClass: ErrorClassNetwork,
				Message:    "retry aborted",
				Err:        fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err()),
			}
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	logger.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", base.MaxAttempts).
		Msg("Retry attempts exhausted")

	return &SourceError{
		ErrorClass: errorClass,
		Message:    fmt.Sprintf("after %d attempts", base.MaxAttempts),
		Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, lastErr),
	}
}
