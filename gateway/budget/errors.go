// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import "errors"

var (
	// ErrBudgetNotFound is returned when a budget is not found
	ErrBudgetNotFound = errors.New("budget not found")

	// ErrConflict marks a transaction that failed due to a
	// serialization or locking conflict and may be retried.
	ErrConflict = errors.New("budget transaction conflict")

	// ErrCheckUnavailable is returned when the atomic reserve path gave
	// up after exhausting its conflict retries. Callers must treat this
	// as a rejection, not an allowance.
	ErrCheckUnavailable = errors.New("budget check temporarily unavailable")

	// ErrInvalidInput marks requests the engine refuses to evaluate:
	// an empty model id or negative token counts.
	ErrInvalidInput = errors.New("invalid input")
)
