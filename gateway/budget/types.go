// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"time"
)

// PeriodType represents the accounting window of a budget
type PeriodType string

const (
	PeriodTotal   PeriodType = "total"
	PeriodDaily   PeriodType = "daily"
	PeriodWeekly  PeriodType = "weekly"
	PeriodMonthly PeriodType = "monthly"
)

// Identity is the resolved caller a budget lookup is scoped to.
// APIKeyID is nil for session-authenticated users. Unlimited callers
// (API keys flagged is_unlimited) bypass budget enforcement entirely.
type Identity struct {
	UserID    int64
	APIKeyID  *int64
	Unlimited bool
}

// Budget is a persisted spending limit. All monetary amounts are integer
// cents. A budget is owned by one user and optionally narrowed to one
// API key; a nil APIKeyID means it applies to every key of that user.
type Budget struct {
	ID                    int64      `json:"id"`
	UserID                int64      `json:"user_id"`
	APIKeyID              *int64     `json:"api_key_id,omitempty"`
	Name                  string     `json:"name"`
	LimitCents            int64      `json:"limit_cents"`
	CurrentUsageCents     int64      `json:"current_usage_cents"`
	WarningThresholdCents *int64     `json:"warning_threshold_cents,omitempty"`
	PeriodType            PeriodType `json:"period_type"`
	PeriodStart           time.Time  `json:"period_start"`
	PeriodEnd             *time.Time `json:"period_end,omitempty"`
	AutoRenew             bool       `json:"auto_renew"`
	EnforceHardLimit      bool       `json:"enforce_hard_limit"`
	IsActive              bool       `json:"is_active"`
	IsExceeded            bool       `json:"is_exceeded"`
	IsWarningSent         bool       `json:"is_warning_sent"`
	AllowedModels         []string   `json:"allowed_models,omitempty"`
	AllowedEndpoints      []string   `json:"allowed_endpoints,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// RemainingCents returns the headroom left under the limit.
func (b *Budget) RemainingCents() int64 {
	remaining := b.LimitCents - b.CurrentUsageCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InPeriod reports whether now falls inside the budget's accounting
// window. Budgets with no period end (total budgets) are always in
// period.
func (b *Budget) InPeriod(now time.Time) bool {
	if b.PeriodEnd == nil {
		return true
	}
	return !now.Before(b.PeriodStart) && now.Before(*b.PeriodEnd)
}

// PeriodExpired reports whether the accounting window has closed.
func (b *Budget) PeriodExpired(now time.Time) bool {
	return b.PeriodEnd != nil && !now.Before(*b.PeriodEnd)
}

// CoversModel reports whether the budget's model allow-list admits the
// model. An empty list admits everything.
func (b *Budget) CoversModel(model string) bool {
	if len(b.AllowedModels) == 0 {
		return true
	}
	for _, m := range b.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// CoversEndpoint reports whether the budget's endpoint allow-list admits
// the endpoint. An empty list admits everything.
func (b *Budget) CoversEndpoint(endpoint string) bool {
	if len(b.AllowedEndpoints) == 0 {
		return true
	}
	for _, e := range b.AllowedEndpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// NextPeriod returns the accounting window that follows the current one,
// advanced by whole period lengths until it contains now. Used when an
// auto-renewing budget is touched after its window closed.
func (b *Budget) NextPeriod(now time.Time) (time.Time, time.Time) {
	start := b.PeriodStart
	end := *b.PeriodEnd
	length := periodLength(b.PeriodType)

	for !now.Before(end) {
		start = end
		switch b.PeriodType {
		case PeriodMonthly:
			end = end.AddDate(0, 1, 0)
		default:
			end = end.Add(length)
		}
	}
	return start, end
}

func periodLength(p PeriodType) time.Duration {
	switch p {
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodWeekly:
		return 7 * 24 * time.Hour
	case PeriodMonthly:
		// Approximation, only used for burn-rate projections; the real
		// window advance uses AddDate.
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Warning is a non-blocking notice that a reservation pushed a budget
// past its warning threshold. Emitted at most once per budget period.
type Warning struct {
	BudgetID       int64   `json:"budget_id"`
	BudgetName     string  `json:"budget_name"`
	Message        string  `json:"message"`
	ProjectedCents int64   `json:"projected_cents"`
	LimitCents     int64   `json:"limit_cents"`
	Percentage     float64 `json:"percentage"`
}

// Reservation records which budgets were debited with which estimated
// amounts during AtomicCheckAndReserve. It exists only in memory for the
// duration of one request and is consumed by AtomicFinalizeUsage.
type Reservation struct {
	BudgetIDs      []int64
	EstimatedCents map[int64]int64
}

// Empty reports whether nothing was reserved (unscoped identity or
// unlimited key).
func (r Reservation) Empty() bool {
	return len(r.BudgetIDs) == 0
}

// CheckResult is the outcome of an admission check.
type CheckResult struct {
	Allowed     bool        `json:"allowed"`
	Reason      string      `json:"reason,omitempty"`
	Warnings    []Warning   `json:"warnings,omitempty"`
	Reservation Reservation `json:"-"`
}

// Status aggregates every budget applicable to an identity for
// dashboards and the status API. Reads are non-locking and may be
// slightly stale.
type Status struct {
	TotalBudgets     int            `json:"total_budgets"`
	ActiveBudgets    int            `json:"active_budgets"`
	ExceededBudgets  int            `json:"exceeded_budgets"`
	WarningBudgets   int            `json:"warning_budgets"`
	TotalLimitCents  int64          `json:"total_limit_cents"`
	TotalUsageCents  int64          `json:"total_usage_cents"`
	RemainingCents   int64          `json:"remaining_cents"`
	TotalLimitUSD    float64        `json:"total_limit_usd"`
	TotalUsageUSD    float64        `json:"total_usage_usd"`
	RemainingUSD     float64        `json:"remaining_usd"`
	Budgets          []StatusDetail `json:"budgets"`
}

// StatusDetail is the per-budget slice of Status.
type StatusDetail struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	PeriodType          PeriodType `json:"period_type"`
	LimitCents          int64      `json:"limit_cents"`
	UsageCents          int64      `json:"usage_cents"`
	RemainingCents      int64      `json:"remaining_cents"`
	UsagePercent        float64    `json:"usage_percent"`
	IsActive            bool       `json:"is_active"`
	IsExceeded          bool       `json:"is_exceeded"`
	EnforceHardLimit    bool       `json:"enforce_hard_limit"`
	DaysRemaining       float64    `json:"days_remaining,omitempty"`
	BurnRateCentsPerDay float64    `json:"burn_rate_cents_per_day,omitempty"`
	ProjectedSpendCents int64      `json:"projected_spend_cents,omitempty"`
}

// CentsToUSD converts integer cents to dollars for presentation.
func CentsToUSD(cents int64) float64 {
	return float64(cents) / 100.0
}
