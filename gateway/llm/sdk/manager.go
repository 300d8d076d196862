// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package sdk provides the resilience primitives the gateway wraps
// around provider calls: retry with exponential backoff, circuit
// breaking, and per-provider success statistics.
package sdk

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"enclava/platform/gateway/llm"
)

// ProviderStats tracks call outcomes for one provider.
type ProviderStats struct {
	TotalRequests  int64        `json:"total_requests"`
	FailedRequests int64        `json:"failed_requests"`
	SuccessRate    float64      `json:"success_rate"`
	CircuitState   string       `json:"circuit_state"`
	LastFailure    time.Time    `json:"last_failure,omitempty"`
	LastSuccess    time.Time    `json:"last_success,omitempty"`
}

// ResilienceManager maintains one circuit breaker and one stat record
// per provider, created on first use. Safe for concurrent use.
type ResilienceManager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	stats    map[string]*providerCounters

	retry            RetryConfig
	breakerThreshold int
	breakerReset     time.Duration
	logger           *log.Logger
}

type providerCounters struct {
	total       int64
	failed      int64
	lastFailure time.Time
	lastSuccess time.Time
}

// ResilienceOption configures the manager.
type ResilienceOption func(*ResilienceManager)

// WithRetryConfig overrides the default retry policy.
func WithRetryConfig(config RetryConfig) ResilienceOption {
	return func(m *ResilienceManager) {
		m.retry = config
	}
}

// WithBreakerPolicy overrides the circuit breaker threshold and reset
// timeout applied to new providers.
func WithBreakerPolicy(threshold int, reset time.Duration) ResilienceOption {
	return func(m *ResilienceManager) {
		m.breakerThreshold = threshold
		m.breakerReset = reset
	}
}

// NewResilienceManager creates a manager with default policies: 3
// retries from 100ms, breaker opens after 5 consecutive failures and
// probes after 30s.
func NewResilienceManager(opts ...ResilienceOption) *ResilienceManager {
	m := &ResilienceManager{
		breakers:         make(map[string]*CircuitBreaker),
		stats:            make(map[string]*providerCounters),
		retry:            *DefaultRetryConfig(),
		breakerThreshold: 5,
		breakerReset:     30 * time.Second,
		logger:           log.New(os.Stdout, "[RESILIENCE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ResilienceManager) breaker(provider string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[provider]
	if !ok {
		cb = NewCircuitBreaker(m.breakerThreshold, m.breakerReset)
		m.breakers[provider] = cb
		m.stats[provider] = &providerCounters{}
	}
	return cb
}

func (m *ResilienceManager) record(provider string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.stats[provider]
	if !ok {
		c = &providerCounters{}
		m.stats[provider] = c
	}
	c.total++
	if err != nil {
		c.failed++
		c.lastFailure = time.Now()
	} else {
		c.lastSuccess = time.Now()
	}
}

// Execute runs fn against a provider with circuit breaking and retry.
// When the circuit is open the call is rejected immediately without
// touching the backend.
func Execute[T any](ctx context.Context, m *ResilienceManager, provider string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	cb := m.breaker(provider)
	if !cb.Allow() {
		err := llm.NewProviderError(provider, llm.ErrCodeUnavailable, "circuit breaker open")
		m.record(provider, err)
		return zero, err
	}

	result, err := RetryWithBackoff(ctx, m.retry, fn)
	m.record(provider, err)
	if err != nil {
		cb.RecordFailure()
		m.logger.Printf("provider %q call failed: %v", provider, err)
		return zero, err
	}

	cb.RecordSuccess()
	return result, nil
}

// Stats returns a snapshot of per-provider call statistics.
func (m *ResilienceManager) Stats() map[string]ProviderStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ProviderStats, len(m.stats))
	for provider, c := range m.stats {
		s := ProviderStats{
			TotalRequests:  c.total,
			FailedRequests: c.failed,
			LastFailure:    c.lastFailure,
			LastSuccess:    c.lastSuccess,
		}
		if c.total > 0 {
			s.SuccessRate = float64(c.total-c.failed) / float64(c.total)
		}
		if cb, ok := m.breakers[provider]; ok {
			s.CircuitState = cb.State().String()
		}
		out[provider] = s
	}
	return out
}

// Healthy reports whether a provider's circuit admits traffic.
func (m *ResilienceManager) Healthy(provider string) bool {
	m.mu.Lock()
	cb, ok := m.breakers[provider]
	m.mu.Unlock()

	if !ok {
		// Never used means never failed.
		return true
	}
	return cb.State() != CircuitOpen
}
