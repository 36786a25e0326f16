// Package ratelimit implements error-budget tracking and request gating for
// HTTP sources. A source reports the number of errors it still tolerates and
// the seconds until that budget resets in response headers; the tracker
// throttles requests when the budget runs low and blocks them when it is
// nearly spent.
package ratelimit

import (
	"time"
)

// Default header names carrying the error budget.
const (
	DefaultRemainingHeader = "X-Error-Limit-Remain"
	DefaultResetHeader     = "X-Error-Limit-Reset"
)

// Default thresholds for rate limit decisions.
const (
	// DefaultThresholdCritical blocks all requests below this budget.
	DefaultThresholdCritical = 5

	// DefaultThresholdWarning throttles requests below this budget.
	DefaultThresholdWarning = 20

	// DefaultThresholdHealthy marks the state healthy at or above this budget.
	DefaultThresholdHealthy = 50
)

// Thresholds decide when a state blocks or throttles.
type Thresholds struct {
	Critical int
	Warning  int
	Healthy  int
}

// DefaultThresholds returns the default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical: DefaultThresholdCritical,
		Warning:  DefaultThresholdWarning,
		Healthy:  DefaultThresholdHealthy,
	}
}

// State is the current error budget of a source.
type State struct {
	// ErrorsRemaining is the number of errors the source still tolerates.
	ErrorsRemaining int `json:"errors_remaining"`

	// ResetAt is when the budget window resets.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was last updated from headers.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when ErrorsRemaining >= Thresholds.Healthy.
	IsHealthy bool `json:"is_healthy"`
}

// healthyState is assumed until the source reports real data.
func healthyState() *State {
	now := time.Now()
	return &State{
		ErrorsRemaining: 100,
		ResetAt:         now.Add(60 * time.Second),
		LastUpdate:      now,
		IsHealthy:       true,
	}
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if requests should be blocked.
func (s *State) NeedsCriticalBlock(th Thresholds) bool {
	return s.ErrorsRemaining < th.Critical
}

// NeedsThrottling returns true if requests should be slowed down.
func (s *State) NeedsThrottling(th Thresholds) bool {
	return s.ErrorsRemaining < th.Warning && !s.NeedsCriticalBlock(th)
}

// TimeUntilReset returns the duration until the budget resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth sets IsHealthy from ErrorsRemaining.
func (s *State) UpdateHealth(th Thresholds) {
	s.IsHealthy = s.ErrorsRemaining >= th.Healthy
}
