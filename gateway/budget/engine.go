// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// errRejected aborts a reservation transaction so every usage update in
// it rolls back. It never escapes the Engine.
var errRejected = errors.New("budget reservation rejected")

// RetryConfig controls the reserve path's conflict retries.
type RetryConfig struct {
	// MaxAttempts is the total number of transaction attempts.
	MaxAttempts int

	// BaseBackoff is the wait before the first retry; it doubles on
	// each subsequent retry.
	BaseBackoff time.Duration

	// MaxJitter is the upper bound of the random delay added to each
	// backoff to avoid synchronized retries.
	MaxJitter time.Duration
}

// DefaultRetryConfig returns the production retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxJitter:   100 * time.Millisecond,
	}
}

// Engine orchestrates reservation, warning detection, and finalization
// across every budget applicable to a request.
//
// The atomic path (AtomicCheckAndReserve / AtomicFinalizeUsage) is the
// default for all traffic and fails closed: any ambiguity is a
// rejection. The non-atomic pair (CheckCompliance / RecordUsage) is
// retained for advisory call sites only and fails open.
type Engine struct {
	store   Store
	pricing *Pricing
	retry   RetryConfig
	logger  *log.Logger
	now     func() time.Time
}

// NewEngine creates an Engine with the default retry policy.
func NewEngine(store Store, pricing *Pricing) *Engine {
	return NewEngineWithOptions(store, pricing, DefaultRetryConfig(), nil)
}

// NewEngineWithOptions creates an Engine with a custom retry policy and
// logger.
func NewEngineWithOptions(store Store, pricing *Pricing, retry RetryConfig, logger *log.Logger) *Engine {
	if pricing == nil {
		pricing = NewPricing()
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:   store,
		pricing: pricing,
		retry:   retry,
		logger:  logger,
		now:     time.Now,
	}
}

// Pricing returns the engine's pricing table.
func (e *Engine) Pricing() *Pricing {
	return e.pricing
}

// AtomicCheckAndReserve estimates the request's cost and reserves it
// against every applicable budget inside one transaction.
//
// All-or-nothing: if any applicable hard-limit budget would be exceeded
// the whole transaction rolls back and nothing is charged. Identities
// with no applicable budgets are implicitly unlimited. Expired
// auto-renew budgets are reset before the spend is evaluated.
//
// On serialization conflicts the transaction is retried with
// exponential backoff; once retries are exhausted the check fails
// closed with ErrCheckUnavailable.
func (e *Engine) AtomicCheckAndReserve(ctx context.Context, identity Identity, model string, estimatedTokens int, endpoint string) (CheckResult, error) {
	if model == "" || estimatedTokens < 0 {
		return CheckResult{Allowed: false, Reason: ErrInvalidInput.Error()},
			fmt.Errorf("%w: model %q, estimated tokens %d", ErrInvalidInput, model, estimatedTokens)
	}
	if identity.Unlimited {
		return CheckResult{Allowed: true}, nil
	}

	estimatedCost := e.pricing.EstimateCost(model, estimatedTokens, 0)

	var result CheckResult
	attempt := func() error {
		return e.store.WithLockedBudgets(ctx, identity, func(tx Tx, budgets []*Budget) error {
			result = CheckResult{
				Allowed: true,
				Reservation: Reservation{
					EstimatedCents: make(map[int64]int64),
				},
			}

			now := e.now()
			for _, b := range budgets {
				if !b.CoversModel(model) || !b.CoversEndpoint(endpoint) {
					continue
				}

				if b.PeriodExpired(now) && b.AutoRenew {
					start, end := b.NextPeriod(now)
					if err := tx.ResetPeriod(ctx, b, start, end); err != nil {
						return err
					}
				}

				// Inactive or out-of-period budgets neither block nor
				// get charged.
				if !b.IsActive || !b.InPeriod(now) {
					continue
				}

				projected := b.CurrentUsageCents + estimatedCost

				if b.EnforceHardLimit && projected > b.LimitCents {
					result = CheckResult{
						Allowed: false,
						Reason: fmt.Sprintf(
							"request would exceed budget %q: current usage %d cents + estimated %d cents > limit %d cents (%d cents remaining)",
							b.Name, b.CurrentUsageCents, estimatedCost, b.LimitCents, b.RemainingCents(),
						),
					}
					return errRejected
				}

				if b.WarningThresholdCents != nil && !b.IsWarningSent && projected >= *b.WarningThresholdCents {
					percentage := 0.0
					if b.LimitCents > 0 {
						percentage = float64(projected) / float64(b.LimitCents) * 100
					}
					result.Warnings = append(result.Warnings, Warning{
						BudgetID:       b.ID,
						BudgetName:     b.Name,
						Message:        fmt.Sprintf("budget %q at %.1f%% of limit (%d of %d cents)", b.Name, percentage, projected, b.LimitCents),
						ProjectedCents: projected,
						LimitCents:     b.LimitCents,
						Percentage:     percentage,
					})
				}

				if err := tx.ApplyUsageDelta(ctx, b, estimatedCost); err != nil {
					return err
				}

				result.Reservation.BudgetIDs = append(result.Reservation.BudgetIDs, b.ID)
				result.Reservation.EstimatedCents[b.ID] = estimatedCost
			}

			return nil
		})
	}

	for i := 0; i < e.retry.MaxAttempts; i++ {
		err := attempt()
		switch {
		case err == nil:
			return result, nil

		case errors.Is(err, errRejected):
			// Transaction rolled back; no budget was charged.
			return result, nil

		case errors.Is(err, ErrConflict):
			if i < e.retry.MaxAttempts-1 {
				if serr := e.sleepBackoff(ctx, i); serr != nil {
					return CheckResult{Allowed: false, Reason: ErrCheckUnavailable.Error()}, serr
				}
				continue
			}
			e.logger.Printf("[BUDGET] reserve gave up after %d conflict retries for user %d", e.retry.MaxAttempts, identity.UserID)
			return CheckResult{Allowed: false, Reason: ErrCheckUnavailable.Error()}, ErrCheckUnavailable

		default:
			// The atomic path fails closed on unexpected errors: an
			// inconsistent partial state is worse than a rejected
			// request.
			e.logger.Printf("[BUDGET] reserve failed for user %d: %v", identity.UserID, err)
			return CheckResult{Allowed: false, Reason: ErrCheckUnavailable.Error()}, err
		}
	}

	return CheckResult{Allowed: false, Reason: ErrCheckUnavailable.Error()}, ErrCheckUnavailable
}

// AtomicFinalizeUsage trues a reservation up to actual token usage by
// applying the delta between actual and estimated cost to each reserved
// budget. It never re-validates the limit: the spend already happened.
// An empty reservation is a no-op.
func (e *Engine) AtomicFinalizeUsage(ctx context.Context, reservation Reservation, identity Identity, model string, actualInputTokens, actualOutputTokens int, endpoint string) ([]Budget, error) {
	if reservation.Empty() {
		return []Budget{}, nil
	}
	if actualInputTokens < 0 || actualOutputTokens < 0 {
		return nil, fmt.Errorf("%w: negative token counts (%d input, %d output)", ErrInvalidInput, actualInputTokens, actualOutputTokens)
	}

	actualCost := e.pricing.EstimateCost(model, actualInputTokens, actualOutputTokens)

	var finalized []Budget
	attempt := func() error {
		return e.store.WithLockedBudgetIDs(ctx, reservation.BudgetIDs, func(tx Tx, budgets []*Budget) error {
			finalized = finalized[:0]
			for _, b := range budgets {
				delta := actualCost - reservation.EstimatedCents[b.ID]
				if delta != 0 {
					if err := tx.ApplyUsageDelta(ctx, b, delta); err != nil {
						return err
					}
				}
				finalized = append(finalized, *b)
			}
			return nil
		})
	}

	var err error
	for i := 0; i < e.retry.MaxAttempts; i++ {
		err = attempt()
		if err == nil {
			return finalized, nil
		}
		if !errors.Is(err, ErrConflict) || i == e.retry.MaxAttempts-1 {
			break
		}
		if serr := e.sleepBackoff(ctx, i); serr != nil {
			return nil, serr
		}
	}

	return nil, fmt.Errorf("failed to finalize usage: %w", err)
}

// CheckCompliance is the legacy best-effort admission check: it reads
// budgets without locking, so two concurrent requests can both pass
// before either records usage.
//
// Deprecated: advisory call sites only. The orchestrator uses
// AtomicCheckAndReserve. Unlike the atomic path this one fails open on
// store errors to avoid blocking traffic on transient failures.
func (e *Engine) CheckCompliance(ctx context.Context, identity Identity, model string, estimatedTokens int, endpoint string) CheckResult {
	if identity.Unlimited {
		return CheckResult{Allowed: true}
	}

	budgets, err := e.store.ApplicableBudgets(ctx, identity)
	if err != nil {
		e.logger.Printf("[BUDGET] compliance check failed open for user %d: %v", identity.UserID, err)
		return CheckResult{Allowed: true}
	}

	estimatedCost := e.pricing.EstimateCost(model, estimatedTokens, 0)
	now := e.now()

	result := CheckResult{Allowed: true}
	for i := range budgets {
		b := &budgets[i]
		if !b.CoversModel(model) || !b.CoversEndpoint(endpoint) {
			continue
		}
		if !b.IsActive || !b.InPeriod(now) {
			continue
		}

		projected := b.CurrentUsageCents + estimatedCost
		if b.EnforceHardLimit && projected > b.LimitCents {
			return CheckResult{
				Allowed: false,
				Reason: fmt.Sprintf(
					"request would exceed budget %q: current usage %d cents + estimated %d cents > limit %d cents",
					b.Name, b.CurrentUsageCents, estimatedCost, b.LimitCents,
				),
			}
		}
	}

	return result
}

// RecordUsage records actual usage against every applicable budget after
// the fact, without locking.
//
// Deprecated: pairs with CheckCompliance on advisory call sites only.
func (e *Engine) RecordUsage(ctx context.Context, identity Identity, model string, inputTokens, outputTokens int, endpoint string) error {
	if identity.Unlimited {
		return nil
	}

	budgets, err := e.store.ApplicableBudgets(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to load budgets for usage recording: %w", err)
	}

	cost := e.pricing.EstimateCost(model, inputTokens, outputTokens)
	now := e.now()

	for i := range budgets {
		b := &budgets[i]
		if !b.CoversModel(model) || !b.CoversEndpoint(endpoint) {
			continue
		}
		if !b.IsActive || !b.InPeriod(now) {
			continue
		}
		if err := e.store.AddUsage(ctx, b.ID, cost); err != nil {
			return fmt.Errorf("failed to record usage on budget %d: %w", b.ID, err)
		}
	}

	return nil
}

// GetStatus aggregates every budget applicable to an identity. Reads
// are non-locking and tolerate slightly stale usage figures.
func (e *Engine) GetStatus(ctx context.Context, identity Identity) (*Status, error) {
	budgets, err := e.store.ApplicableBudgets(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget status: %w", err)
	}

	now := e.now()
	status := &Status{Budgets: make([]StatusDetail, 0, len(budgets))}

	for i := range budgets {
		b := &budgets[i]
		status.TotalBudgets++
		if b.IsActive && b.InPeriod(now) {
			status.ActiveBudgets++
		}
		if b.IsExceeded {
			status.ExceededBudgets++
		}
		if b.IsWarningSent {
			status.WarningBudgets++
		}
		status.TotalLimitCents += b.LimitCents
		status.TotalUsageCents += b.CurrentUsageCents

		detail := StatusDetail{
			ID:               b.ID,
			Name:             b.Name,
			PeriodType:       b.PeriodType,
			LimitCents:       b.LimitCents,
			UsageCents:       b.CurrentUsageCents,
			RemainingCents:   b.RemainingCents(),
			IsActive:         b.IsActive,
			IsExceeded:       b.IsExceeded,
			EnforceHardLimit: b.EnforceHardLimit,
		}
		if b.LimitCents > 0 {
			detail.UsagePercent = float64(b.CurrentUsageCents) / float64(b.LimitCents) * 100
		}

		if b.PeriodEnd != nil {
			periodDays := b.PeriodEnd.Sub(b.PeriodStart).Hours() / 24
			elapsedDays := now.Sub(b.PeriodStart).Hours() / 24
			if remaining := b.PeriodEnd.Sub(now).Hours() / 24; remaining > 0 {
				detail.DaysRemaining = remaining
			}
			if elapsedDays > 0 && periodDays > 0 {
				detail.BurnRateCentsPerDay = float64(b.CurrentUsageCents) / elapsedDays
				detail.ProjectedSpendCents = int64(detail.BurnRateCentsPerDay * periodDays)
			}
		}

		status.Budgets = append(status.Budgets, detail)
	}

	status.RemainingCents = status.TotalLimitCents - status.TotalUsageCents
	if status.RemainingCents < 0 {
		status.RemainingCents = 0
	}
	status.TotalLimitUSD = CentsToUSD(status.TotalLimitCents)
	status.TotalUsageUSD = CentsToUSD(status.TotalUsageCents)
	status.RemainingUSD = CentsToUSD(status.RemainingCents)

	return status, nil
}

// IsHealthy checks store connectivity.
func (e *Engine) IsHealthy(ctx context.Context) bool {
	return e.store.Ping(ctx) == nil
}

func (e *Engine) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := e.retry.BaseBackoff << uint(attempt)
	if e.retry.MaxJitter > 0 {
		backoff += time.Duration(rand.Int63n(int64(e.retry.MaxJitter)))
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}
