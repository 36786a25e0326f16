package httpsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	base := DefaultRetryConfig()

	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{name: "server", errorClass: ErrorClassServer, expectedInitial: 500 * time.Millisecond, expectedMax: 10 * time.Second},
		{name: "rate limit", errorClass: ErrorClassRateLimit, expectedInitial: 2500 * time.Millisecond, expectedMax: 50 * time.Second},
		{name: "network", errorClass: ErrorClassNetwork, expectedInitial: time.Second, expectedMax: 20 * time.Second},
		{name: "unknown", errorClass: "", expectedInitial: 500 * time.Millisecond, expectedMax: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(base, tt.errorClass)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
			if config.MaxAttempts != base.MaxAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, base.MaxAttempts)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		errorClass ErrorClass
		want       bool
	}{
		{ErrorClassClient, false},
		{ErrorClassDecode, false},
		{ErrorClassServer, true},
		{ErrorClassRateLimit, true},
		{ErrorClassNetwork, true},
		{"", false},
	}

	for _, tt := range tests {
		if got := shouldRetry(tt.errorClass); got != tt.want {
			t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
		{520, ErrorClassRateLimit},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestRetryWithBackoff(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
	errBoom := errors.New("boom")

	tests := []struct {
		name         string
		results      []ErrorClass // "" with nil error means success
		wantAttempts int
		wantErr      bool
		wantExhaust  bool
	}{
		{name: "success first try", results: []ErrorClass{"ok"}, wantAttempts: 1},
		{name: "success after server error", results: []ErrorClass{ErrorClassServer, "ok"}, wantAttempts: 2},
		{name: "client error not retried", results: []ErrorClass{ErrorClassClient}, wantAttempts: 1, wantErr: true},
		{name: "exhausted", results: []ErrorClass{ErrorClassNetwork, ErrorClassNetwork, ErrorClassNetwork}, wantAttempts: 3, wantErr: true, wantExhaust: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := retryWithBackoff(context.Background(), fast, zerolog.Nop(), func() (ErrorClass, error) {
				class := tt.results[attempts]
				attempts++
				if class == "ok" {
					return "", nil
				}
				return class, errBoom
			})

			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrRetryExhausted) != tt.wantExhaust {
				t.Errorf("errors.Is(err, ErrRetryExhausted) = %v, want %v", !tt.wantExhaust, tt.wantExhaust)
			}
			if tt.wantErr && !errors.Is(err, errBoom) {
				t.Errorf("error = %v, want wrapping %v", err, errBoom)
			}
		})
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	slow := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Minute, MaxBackoff: time.Minute, BackoffMultiplier: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := retryWithBackoff(ctx, slow, zerolog.Nop(), func() (ErrorClass, error) {
		return ErrorClassServer, errors.New("unavailable")
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want %v", err, ErrContextCancelled)
	}
}
