// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Row-level locks
// (SELECT ... FOR UPDATE) are the cross-process coordination point: the
// second of two concurrent reservations against the same budget blocks
// until the first commits and then sees its usage.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const budgetColumns = `
	id, user_id, api_key_id, name, limit_cents, current_usage_cents,
	warning_threshold_cents, period_type, period_start, period_end,
	auto_renew, enforce_hard_limit, is_active, is_exceeded,
	is_warning_sent, allowed_models, allowed_endpoints,
	created_at, updated_at`

// applicableWhere selects user-level budgets (api_key_id IS NULL) plus
// budgets scoped to the caller's key. A caller without a key only sees
// user-level rows. Rows are ordered by id so concurrent transactions
// acquire locks in the same order.
const applicableWhere = `
	WHERE user_id = $1
	  AND is_active = true
	  AND (api_key_id IS NULL OR ($2::bigint IS NOT NULL AND api_key_id = $2))
	ORDER BY id`

// ApplicableBudgets returns the active budgets scoped to an identity
// without locking.
func (s *PostgresStore) ApplicableBudgets(ctx context.Context, identity Identity) ([]Budget, error) {
	query := `SELECT` + budgetColumns + ` FROM budgets` + applicableWhere

	rows, err := s.db.QueryContext(ctx, query, identity.UserID, nullInt64(identity.APIKeyID))
	if err != nil {
		return nil, fmt.Errorf("failed to query applicable budgets: %w", err)
	}
	defer rows.Close()

	return scanBudgets(rows)
}

// WithLockedBudgets opens a transaction, locks every applicable budget
// row, and runs fn against them.
func (s *PostgresStore) WithLockedBudgets(ctx context.Context, identity Identity, fn func(tx Tx, budgets []*Budget) error) error {
	query := `SELECT` + budgetColumns + ` FROM budgets` + applicableWhere + ` FOR UPDATE`
	return s.withLocked(ctx, query, []interface{}{identity.UserID, nullInt64(identity.APIKeyID)}, fn)
}

// WithLockedBudgetIDs locks exactly the budgets with the given ids.
func (s *PostgresStore) WithLockedBudgetIDs(ctx context.Context, ids []int64, fn func(tx Tx, budgets []*Budget) error) error {
	query := `SELECT` + budgetColumns + ` FROM budgets WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	return s.withLocked(ctx, query, []interface{}{pq.Array(ids)}, fn)
}

func (s *PostgresStore) withLocked(ctx context.Context, query string, args []interface{}, fn func(tx Tx, budgets []*Budget) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyConflict(fmt.Errorf("failed to begin transaction: %w", err))
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		tx.Rollback()
		return classifyConflict(fmt.Errorf("failed to lock budgets: %w", err))
	}

	budgets, err := scanBudgets(rows)
	rows.Close()
	if err != nil {
		tx.Rollback()
		return err
	}

	locked := make([]*Budget, len(budgets))
	for i := range budgets {
		locked[i] = &budgets[i]
	}

	if err := fn(&pgTx{tx: tx}, locked); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyConflict(fmt.Errorf("failed to commit budget transaction: %w", err))
	}

	return nil
}

// AddUsage applies a usage delta without locking. Legacy best-effort
// path only.
func (s *PostgresStore) AddUsage(ctx context.Context, budgetID int64, deltaCents int64) error {
	result, err := s.db.ExecContext(ctx, applyDeltaQuery, budgetID, deltaCents)
	if err != nil {
		return classifyConflict(fmt.Errorf("failed to add usage: %w", err))
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyDeltaQuery mutates usage with one relative statement and derives
// both flags from the post-update value, so there is no window for a
// lost update between read and write. Usage never drops below zero even
// when finalization applies a negative true-up.
const applyDeltaQuery = `
	UPDATE budgets
	SET current_usage_cents = GREATEST(current_usage_cents + $2, 0),
	    is_exceeded = GREATEST(current_usage_cents + $2, 0) >= limit_cents,
	    is_warning_sent = is_warning_sent OR (
	        warning_threshold_cents IS NOT NULL
	        AND GREATEST(current_usage_cents + $2, 0) >= warning_threshold_cents
	    ),
	    updated_at = NOW()
	WHERE id = $1`

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ApplyUsageDelta(ctx context.Context, b *Budget, deltaCents int64) error {
	query := applyDeltaQuery + `
	RETURNING current_usage_cents, is_exceeded, is_warning_sent, updated_at`

	err := t.tx.QueryRowContext(ctx, query, b.ID, deltaCents).Scan(
		&b.CurrentUsageCents, &b.IsExceeded, &b.IsWarningSent, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return ErrBudgetNotFound
	}
	if err != nil {
		return classifyConflict(fmt.Errorf("failed to apply usage delta: %w", err))
	}
	return nil
}

func (t *pgTx) ResetPeriod(ctx context.Context, b *Budget, start, end time.Time) error {
	query := `
		UPDATE budgets
		SET current_usage_cents = 0,
		    is_exceeded = false,
		    is_warning_sent = false,
		    period_start = $2,
		    period_end = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := t.tx.QueryRowContext(ctx, query, b.ID, start, end).Scan(&b.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrBudgetNotFound
	}
	if err != nil {
		return classifyConflict(fmt.Errorf("failed to reset budget period: %w", err))
	}

	b.CurrentUsageCents = 0
	b.IsExceeded = false
	b.IsWarningSent = false
	b.PeriodStart = start
	b.PeriodEnd = &end
	return nil
}

// classifyConflict wraps serialization and deadlock failures in
// ErrConflict so the Engine can distinguish retryable conflicts from
// hard failures.
func classifyConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func scanBudgets(rows *sql.Rows) ([]Budget, error) {
	var budgets []Budget
	for rows.Next() {
		var b Budget
		var apiKeyID, warningThreshold sql.NullInt64
		var periodEnd sql.NullTime
		var allowedModels, allowedEndpoints []byte

		if err := rows.Scan(
			&b.ID, &b.UserID, &apiKeyID, &b.Name, &b.LimitCents,
			&b.CurrentUsageCents, &warningThreshold, &b.PeriodType,
			&b.PeriodStart, &periodEnd, &b.AutoRenew, &b.EnforceHardLimit,
			&b.IsActive, &b.IsExceeded, &b.IsWarningSent,
			&allowedModels, &allowedEndpoints, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}

		if apiKeyID.Valid {
			b.APIKeyID = &apiKeyID.Int64
		}
		if warningThreshold.Valid {
			b.WarningThresholdCents = &warningThreshold.Int64
		}
		if periodEnd.Valid {
			b.PeriodEnd = &periodEnd.Time
		}
		if len(allowedModels) > 0 {
			if err := json.Unmarshal(allowedModels, &b.AllowedModels); err != nil {
				return nil, fmt.Errorf("failed to unmarshal allowed models: %w", err)
			}
		}
		if len(allowedEndpoints) > 0 {
			if err := json.Unmarshal(allowedEndpoints, &b.AllowedEndpoints); err != nil {
				return nil, fmt.Errorf("failed to unmarshal allowed endpoints: %w", err)
			}
		}

		budgets = append(budgets, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate budgets: %w", err)
	}

	return budgets, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
