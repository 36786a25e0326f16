package ratelimit

import (
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		maxAge   time.Duration
		expected bool
	}{
		{name: "fresh state", age: 0, maxAge: 5 * time.Minute, expected: false},
		{name: "stale state", age: 10 * time.Minute, maxAge: 5 * time.Minute, expected: true},
		{name: "just under max age", age: 4 * time.Minute, maxAge: 5 * time.Minute, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{LastUpdate: time.Now().Add(-tt.age)}
			if got := state.IsStale(tt.maxAge); got != tt.expected {
				t.Errorf("IsStale() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestState_Decisions(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name            string
		errorsRemaining int
		wantBlock       bool
		wantThrottle    bool
		wantHealthy     bool
	}{
		{name: "plenty", errorsRemaining: 100, wantHealthy: true},
		{name: "at healthy threshold", errorsRemaining: th.Healthy, wantHealthy: true},
		{name: "just below healthy", errorsRemaining: th.Healthy - 1},
		{name: "at warning threshold", errorsRemaining: th.Warning},
		{name: "just below warning", errorsRemaining: th.Warning - 1, wantThrottle: true},
		{name: "at critical threshold", errorsRemaining: th.Critical, wantThrottle: true},
		{name: "just below critical", errorsRemaining: th.Critical - 1, wantBlock: true},
		{name: "exhausted", errorsRemaining: 0, wantBlock: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &State{ErrorsRemaining: tt.errorsRemaining}
			state.UpdateHealth(th)

			if got := state.NeedsCriticalBlock(th); got != tt.wantBlock {
				t.Errorf("NeedsCriticalBlock() = %v, want %v (errors_remaining=%d)", got, tt.wantBlock, tt.errorsRemaining)
			}
			if got := state.NeedsThrottling(th); got != tt.wantThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v (errors_remaining=%d)", got, tt.wantThrottle, tt.errorsRemaining)
			}
			if state.IsHealthy != tt.wantHealthy {
				t.Errorf("IsHealthy = %v, want %v (errors_remaining=%d)", state.IsHealthy, tt.wantHealthy, tt.errorsRemaining)
			}
		})
	}
}

func TestState_CustomThresholds(t *testing.T) {
	th := Thresholds{Critical: 1, Warning: 2, Healthy: 3}
	state := &State{ErrorsRemaining: 4}

	if state.NeedsCriticalBlock(th) || state.NeedsThrottling(th) {
		t.Error("state with 4 remaining should pass thresholds 1/2/3")
	}
	state.UpdateHealth(th)
	if !state.IsHealthy {
		t.Error("IsHealthy = false, want true")
	}
}

func TestState_TimeUntilReset(t *testing.T) {
	future := &State{ResetAt: time.Now().Add(5 * time.Minute)}
	if d := future.TimeUntilReset(); d < 4*time.Minute || d > 5*time.Minute {
		t.Errorf("TimeUntilReset() = %v, want about 5m", d)
	}

	past := &State{ResetAt: time.Now().Add(-5 * time.Minute)}
	if d := past.TimeUntilReset(); d != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0 for past reset time", d)
	}
}

func TestDefaultThresholds_Ordering(t *testing.T) {
	th := DefaultThresholds()
	if th.Critical >= th.Warning {
		t.Errorf("Critical (%d) must be less than Warning (%d)", th.Critical, th.Warning)
	}
	if th.Warning >= th.Healthy {
		t.Errorf("Warning (%d) must be less than Healthy (%d)", th.Warning, th.Healthy)
	}
}
