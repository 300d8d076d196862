// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies a gateway failure for clients and metrics.
type ErrorCode string

const (
	// ErrCodeBudgetExceeded means a hard-limit budget rejected the
	// request before dispatch. Nothing was charged.
	ErrCodeBudgetExceeded ErrorCode = "budget_exceeded"

	// ErrCodeBudgetUnavailable means the budget check itself could not
	// complete; the gateway fails closed.
	ErrCodeBudgetUnavailable ErrorCode = "budget_check_unavailable"

	// ErrCodeProviderUnavailable means the upstream LLM provider
	// failed or its circuit is open.
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable"

	// ErrCodeRateLimited means the caller exceeded its request rate.
	ErrCodeRateLimited ErrorCode = "rate_limited"

	// ErrCodeValidation means the request was malformed.
	ErrCodeValidation ErrorCode = "validation_error"

	// ErrCodeAuth means the caller could not be authenticated.
	ErrCodeAuth ErrorCode = "authentication_error"

	// ErrCodeInternal is everything else.
	ErrCodeInternal ErrorCode = "internal_error"
)

// GatewayError is the error type every request-path failure is wrapped
// in before it reaches a handler or log line.
type GatewayError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Stage is the orchestration stage that failed, for audit logs.
	Stage string `json:"stage,omitempty"`

	Cause error `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error code to the HTTP status clients receive.
func (e *GatewayError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeBudgetExceeded:
		return http.StatusPaymentRequired
	case ErrCodeBudgetUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeProviderUnavailable:
		return http.StatusBadGateway
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// NewGatewayError creates a GatewayError.
func NewGatewayError(code ErrorCode, stage, message string, cause error) *GatewayError {
	return &GatewayError{Code: code, Stage: stage, Message: message, Cause: cause}
}
