// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

var budgetRowColumns = []string{
	"id", "user_id", "api_key_id", "name", "limit_cents", "current_usage_cents",
	"warning_threshold_cents", "period_type", "period_start", "period_end",
	"auto_renew", "enforce_hard_limit", "is_active", "is_exceeded",
	"is_warning_sent", "allowed_models", "allowed_endpoints",
	"created_at", "updated_at",
}

func budgetRow(mock sqlmock.Sqlmock, id int64, usage, limit int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(budgetRowColumns).AddRow(
		id, int64(1), nil, "team budget", limit, usage,
		nil, "total", now.Add(-time.Hour), nil,
		false, true, true, false,
		false, []byte(`["tee-llama-3-70b"]`), nil,
		now, now,
	)
}

func TestApplicableBudgets(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT(.|\n)*FROM budgets(.|\n)*WHERE user_id = \$1`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(budgetRow(mock, 7, 100, 1000))

	store := NewPostgresStore(db)
	budgets, err := store.ApplicableBudgets(context.Background(), Identity{UserID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(budgets) != 1 {
		t.Fatalf("budgets = %d, want 1", len(budgets))
	}
	b := budgets[0]
	if b.ID != 7 || b.CurrentUsageCents != 100 || b.LimitCents != 1000 {
		t.Errorf("unexpected budget: %+v", b)
	}
	if len(b.AllowedModels) != 1 || b.AllowedModels[0] != "tee-llama-3-70b" {
		t.Errorf("allowed models = %v, want [tee-llama-3-70b]", b.AllowedModels)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithLockedBudgetsCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)*FROM budgets(.|\n)*FOR UPDATE`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(budgetRow(mock, 7, 100, 1000))
	mock.ExpectQuery(`UPDATE budgets(.|\n)*RETURNING current_usage_cents`).
		WithArgs(int64(7), int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"current_usage_cents", "is_exceeded", "is_warning_sent", "updated_at"}).
			AddRow(int64(150), false, false, time.Now()))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	err = store.WithLockedBudgets(context.Background(), Identity{UserID: 1}, func(tx Tx, budgets []*Budget) error {
		if len(budgets) != 1 {
			t.Fatalf("budgets = %d, want 1", len(budgets))
		}
		return tx.ApplyUsageDelta(context.Background(), budgets[0], 50)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithLockedBudgetsRollbackOnCallbackError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)*FOR UPDATE`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(budgetRow(mock, 7, 100, 1000))
	mock.ExpectRollback()

	boom := errors.New("rejected")
	store := NewPostgresStore(db)
	err = store.WithLockedBudgets(context.Background(), Identity{UserID: 1}, func(tx Tx, budgets []*Budget) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want callback error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWithLockedBudgetsSerializationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)*FOR UPDATE`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(budgetRow(mock, 7, 100, 1000))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	store := NewPostgresStore(db)
	err = store.WithLockedBudgets(context.Background(), Identity{UserID: 1}, func(tx Tx, budgets []*Budget) error {
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestWithLockedBudgetIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)*WHERE id = ANY(.|\n)*FOR UPDATE`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(budgetRow(mock, 7, 600, 1000))
	mock.ExpectQuery(`UPDATE budgets(.|\n)*RETURNING current_usage_cents`).
		WithArgs(int64(7), int64(-200)).
		WillReturnRows(sqlmock.NewRows([]string{"current_usage_cents", "is_exceeded", "is_warning_sent", "updated_at"}).
			AddRow(int64(400), false, false, time.Now()))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	err = store.WithLockedBudgetIDs(context.Background(), []int64{7}, func(tx Tx, budgets []*Budget) error {
		if err := tx.ApplyUsageDelta(context.Background(), budgets[0], -200); err != nil {
			return err
		}
		if budgets[0].CurrentUsageCents != 400 {
			t.Errorf("usage = %d, want 400 from RETURNING", budgets[0].CurrentUsageCents)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestResetPeriod(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	start := time.Now().Truncate(time.Hour)
	end := start.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT(.|\n)*FOR UPDATE`).
		WithArgs(int64(1), sqlmock.AnyArg()).
		WillReturnRows(budgetRow(mock, 7, 990, 1000))
	mock.ExpectQuery(`UPDATE budgets(.|\n)*current_usage_cents = 0(.|\n)*RETURNING updated_at`).
		WithArgs(int64(7), start, end).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	err = store.WithLockedBudgets(context.Background(), Identity{UserID: 1}, func(tx Tx, budgets []*Budget) error {
		b := budgets[0]
		if err := tx.ResetPeriod(context.Background(), b, start, end); err != nil {
			return err
		}
		if b.CurrentUsageCents != 0 || b.IsExceeded || b.IsWarningSent {
			t.Errorf("reset budget not zeroed: %+v", b)
		}
		if !b.PeriodStart.Equal(start) || b.PeriodEnd == nil || !b.PeriodEnd.Equal(end) {
			t.Errorf("window = [%v, %v), want [%v, %v)", b.PeriodStart, b.PeriodEnd, start, end)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAddUsageNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE budgets`).
		WithArgs(int64(99), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	err = store.AddUsage(context.Background(), 99, 10)
	if !errors.Is(err, ErrBudgetNotFound) {
		t.Fatalf("err = %v, want ErrBudgetNotFound", err)
	}
}
