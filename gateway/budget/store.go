// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"time"
)

// Store defines the persistence contract the Engine depends on. The
// store must serialize concurrent access to one budget row: every budget
// passed to a WithLocked* callback is exclusively locked until the
// callback returns and its transaction commits or rolls back.
type Store interface {
	// ApplicableBudgets returns the active budgets scoped to an
	// identity (user-level rows plus rows matching its API key),
	// without locking. Used by status reads and the legacy
	// best-effort compliance check.
	ApplicableBudgets(ctx context.Context, identity Identity) ([]Budget, error)

	// WithLockedBudgets opens one transaction, locks every applicable
	// budget row, and runs fn. If fn returns an error the transaction
	// is rolled back and no mutation survives; otherwise it commits.
	// Serialization and deadlock failures are reported wrapped in
	// ErrConflict so the Engine can retry.
	WithLockedBudgets(ctx context.Context, identity Identity, fn func(tx Tx, budgets []*Budget) error) error

	// WithLockedBudgetIDs is WithLockedBudgets for an explicit id set,
	// used by finalization which must touch exactly the reserved rows.
	WithLockedBudgetIDs(ctx context.Context, ids []int64, fn func(tx Tx, budgets []*Budget) error) error

	// AddUsage applies a usage delta outside any row lock. Legacy
	// best-effort path only; the atomic path goes through WithLocked*.
	AddUsage(ctx context.Context, budgetID int64, deltaCents int64) error

	// Ping checks store connectivity.
	Ping(ctx context.Context) error
}

// Tx exposes the mutations permitted while budget rows are locked. All
// updates are single relative statements executed inside the enclosing
// transaction; derived flags are computed from the post-update value in
// the same statement so no read-modify-write window exists.
type Tx interface {
	// ApplyUsageDelta adds deltaCents (possibly negative) to the
	// budget's current usage and re-derives is_exceeded and
	// is_warning_sent. The passed budget is updated in place with the
	// resulting values.
	ApplyUsageDelta(ctx context.Context, b *Budget, deltaCents int64) error

	// ResetPeriod zeroes usage, clears the derived flags, and moves
	// the accounting window to [start, end). The passed budget is
	// updated in place.
	ResetPeriod(ctx context.Context, b *Budget, start, end time.Time) error
}
