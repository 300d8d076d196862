// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics. Registered once in init; the /metrics endpoint
// exposes them via promhttp.
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclava_gateway_requests_total",
			Help: "Total number of LLM requests processed by the gateway",
		},
		[]string{"endpoint", "model", "status"},
	)

	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enclava_gateway_request_duration_milliseconds",
			Help:    "End-to-end request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"endpoint", "model"},
	)

	promTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclava_gateway_tokens_total",
			Help: "Total tokens consumed, split by direction",
		},
		[]string{"model", "direction"},
	)

	promCostCentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclava_gateway_cost_cents_total",
			Help: "Total finalized cost in cents",
		},
		[]string{"model"},
	)

	promBudgetRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclava_gateway_budget_rejections_total",
			Help: "Requests rejected because a hard-limit budget would be exceeded",
		},
	)

	promBudgetWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclava_gateway_budget_warnings_total",
			Help: "Budget warning threshold crossings",
		},
	)

	promBudgetUnavailable = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enclava_gateway_budget_check_unavailable_total",
			Help: "Budget checks that failed closed after exhausting retries",
		},
	)

	promSecurityDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclava_gateway_security_detections_total",
			Help: "Advisory security screener detections by threat type",
		},
		[]string{"type"},
	)

	promProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enclava_gateway_provider_errors_total",
			Help: "Upstream provider failures by error code",
		},
		[]string{"provider", "code"},
	)
)

func init() {
	prometheus.MustRegister(
		promRequestsTotal,
		promRequestDuration,
		promTokensTotal,
		promCostCentsTotal,
		promBudgetRejections,
		promBudgetWarnings,
		promBudgetUnavailable,
		promSecurityDetections,
		promProviderErrors,
	)
}
