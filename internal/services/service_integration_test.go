//go:build integration

package services_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"slideforge/internal/models"
	"slideforge/internal/plans"
	"slideforge/internal/services"
)

func newTestService(t *testing.T) (*services.Service, *pgxpool.Pool) {
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
	prices := plans.NewPriceTable("price_starter", "price_growth", "price_scale", "price_unlimited")
	return services.New(pool, prices), pool
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
		pool.Exec(ctx, `DELETE FROM subscriptions WHERE user_id = $1`, userID)
		pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	})
	return userID
}

func insertSubscription(t *testing.T, pool *pgxpool.Pool, userID int64, status, priceID string, updatedAt time.Time) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO subscriptions (user_id, stripe_subscription_id, stripe_price_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		userID, fmt.Sprintf("sub_%s_%d", t.Name(), time.Now().UnixNano()), priceID, status, updatedAt,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	return id
}

func TestResolveEffectivePlanPicksMostRecent(t *testing.T) {
	svc, pool := newTestService(t)
	userID := newTestUser(t, pool)
	ctx := context.Background()

	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()
	insertSubscription(t, pool, userID, models.SubscriptionActive, "price_starter", older)
	insertSubscription(t, pool, userID, models.SubscriptionActive, "price_growth", newer)

	plan, ok, err := svc.ResolveEffectivePlan(ctx, userID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || plan != models.PlanGrowth {
		t.Fatalf("expected growth from most recent row, got %v %v", plan, ok)
	}
}

func TestResolveEffectivePlanTieBreaksOnID(t *testing.T) {
	svc, pool := newTestService(t)
	userID := newTestUser(t, pool)
	ctx := context.Background()

	// Identical updated_at simulates clock coarseness; the later insert
	// (higher id) must win deterministically.
	ts := time.Now().UTC().Truncate(time.Second)
	insertSubscription(t, pool, userID, models.SubscriptionActive, "price_starter", ts)
	insertSubscription(t, pool, userID, models.SubscriptionActive, "price_scale", ts)

	plan, ok, err := svc.ResolveEffectivePlan(ctx, userID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || plan != models.PlanScale {
		t.Fatalf("expected scale from higher-id row, got %v %v", plan, ok)
	}
}

func TestResolveEffectivePlanStatusFilter(t *testing.T) {
	svc, pool := newTestService(t)
	userID := newTestUser(t, pool)
	ctx := context.Background()

	// A newer canceled row never shadows an older effective one.
	insertSubscription(t, pool, userID, models.SubscriptionPastDue, "price_starter", time.Now().UTC().Add(-time.Hour))
	insertSubscription(t, pool, userID, models.SubscriptionCanceled, "price_unlimited", time.Now().UTC())

	plan, ok, err := svc.ResolveEffectivePlan(ctx, userID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || plan != models.PlanStarter {
		t.Fatalf("expected past_due starter row, got %v %v", plan, ok)
	}
}

func TestResolveEffectivePlanNotSubscribed(t *testing.T) {
	svc, pool := newTestService(t)
	userID := newTestUser(t, pool)

	_, ok, err := svc.ResolveEffectivePlan(context.Background(), userID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatalf("expected not subscribed")
	}
}

func TestResolveEffectivePlanUnknownPrice(t *testing.T) {
	svc, pool := newTestService(t)
	userID := newTestUser(t, pool)

	insertSubscription(t, pool, userID, models.SubscriptionActive, "price_retired", time.Now().UTC())

	_, _, err := svc.ResolveEffectivePlan(context.Background(), userID)
	if !errors.Is(err, services.ErrUnknownPrice) {
		t.Fatalf("expected ErrUnknownPrice, got %v", err)
	}
}

func TestUpsertSubscriptionTransitions(t *testing.T) {
	svc, pool := newTestService(t)
	userID := newTestUser(t, pool)
	ctx := context.Background()

	created, err := svc.UpsertSubscription(ctx, models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: fmt.Sprintf("sub_upsert_%d", time.Now().UnixNano()),
		StripePriceID:        "price_growth",
		Status:               models.SubscriptionActive,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.UpsertSubscription(ctx, models.Subscription{
		UserID:               userID,
		StripeSubscriptionID: created.StripeSubscriptionID,
		StripePriceID:        "price_growth",
		Status:               models.SubscriptionCanceled,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatalf("update created a second row: %d vs %d", updated.ID, created.ID)
	}
	if updated.Status != models.SubscriptionCanceled {
		t.Fatalf("status not applied: %s", updated.Status)
	}

	// Cancellation makes the user lose quota without deleting the row.
	if _, ok, err := svc.ResolveEffectivePlan(ctx, userID); err != nil || ok {
		t.Fatalf("canceled subscription should not resolve: ok=%v err=%v", ok, err)
	}
}
