// Package ledger persists per-user, per-period consumption counters.
// The ledger is the single source of truth for consumption; it performs
// no locking of its own and must only be mutated by a caller holding the
// user's credit lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"slideforge/internal/models"
)

type Ledger struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// CurrentPeriod returns the billing-period key for now: the calendar
// month in UTC ("2026-08"). Every reader derives the same key for the
// same instant, which is what makes the counters comparable across
// instances. Counters implicitly reset when the month rolls over because
// a fresh period key starts from a missing row.
func CurrentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// Consumed returns the counter for the current period, zero when no row
// exists yet.
func (l *Ledger) Consumed(ctx context.Context, userID int64, pool models.Pool) (int64, error) {
	var consumed int64
	err := l.pool.QueryRow(ctx, `
		SELECT consumed FROM usage_ledger
		WHERE user_id = $1 AND period = $2 AND pool = $3`,
		userID, CurrentPeriod(time.Now()), pool,
	).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger read: %w", err)
	}
	return consumed, nil
}

// Record increments the counter for the current period, creating the row
// on first consumption. Callers must hold the user's credit lock.
func (l *Ledger) Record(ctx context.Context, userID int64, pool models.Pool, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger record: non-positive amount %d", amount)
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO usage_ledger (user_id, period, pool, consumed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, period, pool)
		DO UPDATE SET consumed = usage_ledger.consumed + EXCLUDED.consumed,
			updated_at = NOW()`,
		userID, CurrentPeriod(time.Now()), pool, amount)
	if err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}
	return nil
}

// Entries returns every ledger row for userID across periods and pools,
// newest period first. Read-only; no lock is needed.
func (l *Ledger) Entries(ctx context.Context, userID int64) ([]models.UsageLedgerEntry, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, user_id, period, pool, consumed, created_at, updated_at
		FROM usage_ledger
		WHERE user_id = $1
		ORDER BY period DESC, pool`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.UsageLedgerEntry
	for rows.Next() {
		var e models.UsageLedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Period, &e.Pool, &e.Consumed, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ledger entries: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger entries: %w", err)
	}
	return entries, nil
}

// AdminAdjust applies an administrative correction (the only path that
// may decrease a counter). Negative deltas are clamped at zero.
func (l *Ledger) AdminAdjust(ctx context.Context, userID int64, pool models.Pool, delta int64) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO usage_ledger (user_id, period, pool, consumed)
		VALUES ($1, $2, $3, GREATEST($4, 0))
		ON CONFLICT (user_id, period, pool)
		DO UPDATE SET consumed = GREATEST(usage_ledger.consumed + $4, 0),
			updated_at = NOW()`,
		userID, CurrentPeriod(time.Now()), pool, delta)
	if err != nil {
		return fmt.Errorf("ledger adjust: %w", err)
	}
	return nil
}

// PercentUsed reports consumption as a clamped 0..100 percentage.
// total <= 0 covers both "no plan" and the unlimited sentinel, where a
// percentage is meaningless.
func PercentUsed(consumed, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(consumed) / float64(total) * 100))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
