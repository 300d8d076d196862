// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"context"
	"errors"
	"testing"
	"time"

	"enclava/platform/gateway/llm"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2.0,
		RetryIf:        DefaultRetryable,
	}
}

func TestRetryWithBackoffSucceedsFirstTry(t *testing.T) {
	calls := 0
	result, err := RetryWithBackoff(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 1 {
		t.Errorf("result = %q, calls = %d", result, calls)
	}
}

func TestRetryWithBackoffRecoversFromRetryable(t *testing.T) {
	calls := 0
	result, err := RetryWithBackoff(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", llm.NewProviderError("tee", llm.ErrCodeServerError, "overloaded")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" || calls != 3 {
		t.Errorf("result = %q, calls = %d, want 3 calls", result, calls)
	}
}

func TestRetryWithBackoffStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := RetryWithBackoff(context.Background(), fastRetry(3), func(ctx context.Context) (string, error) {
		calls++
		return "", llm.NewProviderError("tee", llm.ErrCodeAuth, "bad key")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (auth errors are not retryable)", calls)
	}
}

func TestRetryWithBackoffExhausts(t *testing.T) {
	calls := 0
	boom := llm.NewProviderError("tee", llm.ErrCodeRateLimit, "slow down")
	_, err := RetryWithBackoff(context.Background(), fastRetry(2), func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want last provider error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
}

func TestRetryWithBackoffContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastRetry(3)
	cfg.InitialBackoff = time.Second

	_, err := RetryWithBackoff(ctx, cfg, func(ctx context.Context) (string, error) {
		return "", llm.NewProviderError("tee", llm.ErrCodeServerError, "boom")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", llm.NewProviderError("p", llm.ErrCodeRateLimit, ""), true},
		{"server error", llm.NewProviderError("p", llm.ErrCodeServerError, ""), true},
		{"timeout", llm.NewProviderError("p", llm.ErrCodeTimeout, ""), true},
		{"auth", llm.NewProviderError("p", llm.ErrCodeAuth, ""), false},
		{"invalid request", llm.NewProviderError("p", llm.ErrCodeInvalidRequest, ""), false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryable(tt.err); got != tt.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if !cb.Allow() {
		t.Fatal("circuit should still be closed below threshold")
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open circuit must reject")
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	if cb.Allow() {
		t.Fatal("circuit should be open")
	}

	time.Sleep(15 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("elapsed reset timeout should admit a probe")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	// Failed probe reopens immediately.
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.State())
	}
}

func TestCircuitBreakerRecoversOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	time.Sleep(15 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()

	if cb.State() != CircuitClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
}

func TestResilienceManagerExecute(t *testing.T) {
	m := NewResilienceManager(WithRetryConfig(fastRetry(1)))

	result, err := Execute(context.Background(), m, "tee", func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %d, want 42", result)
	}

	stats := m.Stats()["tee"]
	if stats.TotalRequests != 1 || stats.FailedRequests != 0 {
		t.Errorf("stats = %+v, want 1 total / 0 failed", stats)
	}
	if stats.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", stats.SuccessRate)
	}
}

func TestResilienceManagerOpensCircuit(t *testing.T) {
	m := NewResilienceManager(
		WithRetryConfig(fastRetry(0)),
		WithBreakerPolicy(2, time.Minute),
	)

	boom := llm.NewProviderError("tee", llm.ErrCodeServerError, "down")
	for i := 0; i < 2; i++ {
		if _, err := Execute(context.Background(), m, "tee", func(ctx context.Context) (int, error) {
			return 0, boom
		}); err == nil {
			t.Fatal("expected error")
		}
	}

	// Circuit is open now: the backend must not be touched.
	called := false
	_, err := Execute(context.Background(), m, "tee", func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	var provErr *llm.ProviderError
	if !errors.As(err, &provErr) || provErr.Code != llm.ErrCodeUnavailable {
		t.Fatalf("err = %v, want unavailable provider error", err)
	}
	if called {
		t.Error("open circuit must not invoke the backend")
	}
	if m.Healthy("tee") {
		t.Error("provider with open circuit should report unhealthy")
	}
}

func TestResilienceManagerIsolatesProviders(t *testing.T) {
	m := NewResilienceManager(
		WithRetryConfig(fastRetry(0)),
		WithBreakerPolicy(1, time.Minute),
	)

	Execute(context.Background(), m, "a", func(ctx context.Context) (int, error) {
		return 0, llm.NewProviderError("a", llm.ErrCodeServerError, "down")
	})

	if m.Healthy("a") {
		t.Error("provider a should be unhealthy")
	}
	if !m.Healthy("b") {
		t.Error("provider b must be unaffected by a's failures")
	}
}
