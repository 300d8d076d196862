// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"net/http"
	"testing"
)

func TestGatewayErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeBudgetExceeded, http.StatusPaymentRequired},
		{ErrCodeBudgetUnavailable, http.StatusServiceUnavailable},
		{ErrCodeProviderUnavailable, http.StatusBadGateway},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeAuth, http.StatusUnauthorized},
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrorCode("something_else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		gerr := NewGatewayError(tt.code, StageReceived, "msg", nil)
		if got := gerr.HTTPStatus(); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	gerr := NewGatewayError(ErrCodeInternal, StageDispatching, "wrapped", cause)

	if !errors.Is(gerr, cause) {
		t.Error("gateway error must unwrap to its cause")
	}
	if gerr.Error() == "" {
		t.Error("error string must not be empty")
	}
}
