//go:build integration

package ledger_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"slideforge/internal/ledger"
	"slideforge/internal/models"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newTestUser(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	ctx := context.Background()
	email := fmt.Sprintf("%s-%d@test.local", t.Name(), time.Now().UnixNano())
	var userID int64
	if err := pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash) VALUES ($1, '') RETURNING id`, email,
	).Scan(&userID); err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM usage_ledger WHERE user_id = $1`, userID)
		pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	})
	return userID
}

func TestRecordAndConsumed(t *testing.T) {
	pool := newTestPool(t)
	userID := newTestUser(t, pool)
	l := ledger.New(pool)
	ctx := context.Background()

	consumed, err := l.Consumed(ctx, userID, models.PoolCredits)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 0 {
		t.Fatalf("expected 0 before first spend, got %d", consumed)
	}

	if err := l.Record(ctx, userID, models.PoolCredits, 7); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := l.Record(ctx, userID, models.PoolCredits, 5); err != nil {
		t.Fatalf("record: %v", err)
	}

	consumed, err = l.Consumed(ctx, userID, models.PoolCredits)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 12 {
		t.Fatalf("expected 12, got %d", consumed)
	}

	// Pools are independent counters.
	consumed, err = l.Consumed(ctx, userID, models.PoolAICredits)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 0 {
		t.Fatalf("ai pool should be untouched, got %d", consumed)
	}
}

func TestRecordRejectsNonPositive(t *testing.T) {
	pool := newTestPool(t)
	userID := newTestUser(t, pool)
	l := ledger.New(pool)

	if err := l.Record(context.Background(), userID, models.PoolCredits, 0); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if err := l.Record(context.Background(), userID, models.PoolCredits, -3); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestAdminAdjustClampsAtZero(t *testing.T) {
	pool := newTestPool(t)
	userID := newTestUser(t, pool)
	l := ledger.New(pool)
	ctx := context.Background()

	if err := l.Record(ctx, userID, models.PoolCredits, 10); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A partial refund decrements the existing row.
	if err := l.AdminAdjust(ctx, userID, models.PoolCredits, -4); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	consumed, err := l.Consumed(ctx, userID, models.PoolCredits)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 6 {
		t.Fatalf("expected 6 after partial refund, got %d", consumed)
	}

	if err := l.AdminAdjust(ctx, userID, models.PoolCredits, -25); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	consumed, err = l.Consumed(ctx, userID, models.PoolCredits)
	if err != nil {
		t.Fatalf("consumed: %v", err)
	}
	if consumed != 0 {
		t.Fatalf("expected clamp at 0, got %d", consumed)
	}
}
