// Package quota implements the gate in front of every metered operation:
// resolve the user's effective plan, serialize on the distributed credit
// lock, compare the ledger against the plan quota and record the spend.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"slideforge/internal/ledger"
	"slideforge/internal/lock"
	"slideforge/internal/models"
	"slideforge/internal/plans"
)

var (
	ErrNotSubscribed    = errors.New("no effective subscription")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrLockBusy         = errors.New("could not serialize consumption, try again")
	ErrStoreUnavailable = errors.New("quota store unavailable")
	ErrInvalidRequest   = errors.New("invalid request")
)

// PlanResolver resolves a user's effective plan. ok is false when the
// user has no subscription in an effective status.
type PlanResolver interface {
	ResolveEffectivePlan(ctx context.Context, userID int64) (plan models.Plan, ok bool, err error)
}

// LedgerStore is the persisted consumption counter per user/period/pool.
type LedgerStore interface {
	Consumed(ctx context.Context, userID int64, pool models.Pool) (int64, error)
	Record(ctx context.Context, userID int64, pool models.Pool, amount int64) error
}

// CreditLocker serializes ledger writers per user.
type CreditLocker interface {
	AcquireWait(ctx context.Context, userID int64, wait time.Duration) (lock.Handle, error)
	Release(ctx context.Context, h lock.Handle) error
}

// Gateway is the single entry point for spending credits. All ledger
// mutation goes through here; no other component writes the ledger.
type Gateway struct {
	resolver PlanResolver
	ledger   LedgerStore
	locks    CreditLocker
	wait     time.Duration
}

func NewGateway(resolver PlanResolver, ledger LedgerStore, locks CreditLocker, lockWait time.Duration) *Gateway {
	return &Gateway{resolver: resolver, ledger: ledger, locks: locks, wait: lockWait}
}

// Result reports the outcome of a consumption attempt. Remaining is -1
// for unlimited pools. On ErrQuotaExceeded it carries the units still
// available at decision time.
type Result struct {
	Plan      models.Plan `json:"plan"`
	Remaining int64       `json:"remaining"`
	Unlimited bool        `json:"unlimited"`
}

// TryConsume asks whether userID may spend amount units from pool, and
// records the spend when allowed. The whole check-then-act sequence runs
// under the user's credit lock; without it two concurrent calls could
// both read the same counter and jointly overspend.
func (g *Gateway) TryConsume(ctx context.Context, userID int64, pool models.Pool, amount int64) (Result, error) {
	if userID <= 0 || amount <= 0 || !models.ValidPool(pool) {
		return Result{}, ErrInvalidRequest
	}

	plan, ok, err := g.resolver.ResolveEffectivePlan(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		// No plan means zero quota in both pools; fail fast without
		// touching the lock.
		return Result{}, ErrNotSubscribed
	}

	h, err := g.locks.AcquireWait(ctx, userID, g.wait)
	if err != nil {
		switch {
		case errors.Is(err, lock.ErrBusy):
			return Result{}, ErrLockBusy
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Result{}, err
		default:
			return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	// Release eagerly even when the caller's context is already gone;
	// leaving the lock to expire passively would extend the contention
	// window to the full TTL.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := g.locks.Release(releaseCtx, h); err != nil {
			log.Printf("[ERROR] credit lock release for user %d failed: %v", userID, err)
		}
	}()

	consumed, err := g.ledger.Consumed(ctx, userID, pool)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	total := plans.QuotaFor(plan).Pool(pool)
	if total == plans.Unlimited {
		// Unbounded pool: record for observability, always succeed.
		if err := g.ledger.Record(ctx, userID, pool, amount); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return Result{Plan: plan, Remaining: plans.Unlimited, Unlimited: true}, nil
	}

	// Compare without addition so an enormous amount cannot overflow the
	// sum past the check. consumed and amount are both non-negative here.
	if amount > total-consumed {
		// Rejected attempts never mutate the ledger.
		remaining := total - consumed
		if remaining < 0 {
			remaining = 0
		}
		return Result{Plan: plan, Remaining: remaining}, ErrQuotaExceeded
	}

	if err := g.ledger.Record(ctx, userID, pool, amount); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Result{Plan: plan, Remaining: total - consumed - amount}, nil
}

// PoolUsage is the client-facing usage view for one pool. Used and Total
// are both -1 for unlimited pools so clients can render "unlimited"
// without arithmetic.
type PoolUsage struct {
	Used    int64 `json:"used"`
	Total   int64 `json:"total"`
	Percent int   `json:"percent"`
}

// Summary reports usage for both pools without taking the lock; it is a
// read-only view and may be slightly stale under concurrent spends.
func (g *Gateway) Summary(ctx context.Context, userID int64) (map[models.Pool]PoolUsage, models.Plan, error) {
	plan, ok, err := g.resolver.ResolveEffectivePlan(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	summary := make(map[models.Pool]PoolUsage, 2)
	for _, pool := range []models.Pool{models.PoolCredits, models.PoolAICredits} {
		if !ok {
			summary[pool] = PoolUsage{}
			continue
		}
		consumed, err := g.ledger.Consumed(ctx, userID, pool)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		total := plans.QuotaFor(plan).Pool(pool)
		if total == plans.Unlimited {
			summary[pool] = PoolUsage{Used: -1, Total: -1, Percent: 0}
			continue
		}
		summary[pool] = PoolUsage{Used: consumed, Total: total, Percent: ledger.PercentUsed(consumed, total)}
	}
	return summary, plan, nil
}
