//go:build integration

package lock_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"slideforge/internal/lock"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestLocker(t *testing.T, client *goredis.Client, ttl time.Duration) *lock.Locker {
	t.Helper()
	// Unique namespace per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	l := lock.New(client, ttl,
		lock.WithNamespace(prefix),
		lock.WithRetryInterval(10*time.Millisecond),
		lock.WithSweepMinInterval(0),
	)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return l
}

func TestAcquireRelease(t *testing.T) {
	client := newTestClient(t)
	l := newTestLocker(t, client, 5*time.Second)
	ctx := context.Background()

	h, err := l.Acquire(ctx, 42)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := l.Acquire(ctx, 42); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("second acquire should be busy, got %v", err)
	}

	// A different user is unaffected.
	other, err := l.Acquire(ctx, 43)
	if err != nil {
		t.Fatalf("acquire other user: %v", err)
	}
	if err := l.Release(ctx, other); err != nil {
		t.Fatalf("release other: %v", err)
	}

	if err := l.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Acquire(ctx, 42); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	client := newTestClient(t)
	l := newTestLocker(t, client, 200*time.Millisecond)
	ctx := context.Background()

	// Acquire and never release, simulating a crashed holder.
	if _, err := l.Acquire(ctx, 7); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Not acquirable before the TTL elapses.
	if _, err := l.Acquire(ctx, 7); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected busy before expiry, got %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := l.Acquire(ctx, 7); err != nil {
		t.Fatalf("expected lock to self-heal after TTL, got %v", err)
	}
}

func TestReleaseWithStaleTokenIsNoop(t *testing.T) {
	client := newTestClient(t)
	l := newTestLocker(t, client, 5*time.Second)
	ctx := context.Background()

	h1, err := l.Acquire(ctx, 9)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stale := lock.Handle{Key: h1.Key, Token: "not-the-owner"}
	if err := l.Release(ctx, stale); err != nil {
		t.Fatalf("stale release should not error: %v", err)
	}

	// The real holder's lock must survive a stale release.
	if _, err := l.Acquire(ctx, 9); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("lock should still be held, got %v", err)
	}
	if err := l.Release(ctx, h1); err != nil {
		t.Fatalf("owner release: %v", err)
	}
}

func TestAcquireWaitSucceedsWhenFreed(t *testing.T) {
	client := newTestClient(t)
	l := newTestLocker(t, client, 5*time.Second)
	ctx := context.Background()

	h, err := l.Acquire(ctx, 11)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		l.Release(context.Background(), h)
	}()

	if _, err := l.AcquireWait(ctx, 11, time.Second); err != nil {
		t.Fatalf("acquire wait: %v", err)
	}
}

func TestAcquireWaitBudgetExhausted(t *testing.T) {
	client := newTestClient(t)
	l := newTestLocker(t, client, 5*time.Second)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, 12); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	start := time.Now()
	if _, err := l.AcquireWait(ctx, 12, 100*time.Millisecond); !errors.Is(err, lock.ErrBusy) {
		t.Fatalf("expected busy after wait budget, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait overran its budget: %s", elapsed)
	}
}

func TestSweep(t *testing.T) {
	client := newTestClient(t)
	l := newTestLocker(t, client, 5*time.Second)
	ctx := context.Background()

	// Sweep of an empty namespace reports zero removed.
	removed, err := l.Sweep(ctx, "test: empty sweep")
	if err != nil {
		t.Fatalf("empty sweep: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected no keys removed, got %v", removed)
	}

	if _, err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, 2); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	removed, err = l.Sweep(ctx, "test: stuck locks")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 keys removed, got %v", removed)
	}

	// Everything is acquirable again.
	if _, err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("acquire after sweep: %v", err)
	}
}

func TestSweepThrottled(t *testing.T) {
	client := newTestClient(t)
	prefix := "test:" + t.Name() + ":"
	t.Cleanup(func() {
		client.Del(context.Background(), "sweepgate:"+prefix)
	})
	l := lock.New(client, 5*time.Second,
		lock.WithNamespace(prefix),
		lock.WithSweepMinInterval(time.Hour),
	)
	ctx := context.Background()

	if _, err := l.Sweep(ctx, "first"); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if _, err := l.Sweep(ctx, "second"); !errors.Is(err, lock.ErrSweepThrottled) {
		t.Fatalf("expected throttle, got %v", err)
	}

	// The gate lives in Redis, so another instance sharing the namespace
	// is throttled too.
	other := lock.New(client, 5*time.Second,
		lock.WithNamespace(prefix),
		lock.WithSweepMinInterval(time.Hour),
	)
	if _, err := other.Sweep(ctx, "third"); !errors.Is(err, lock.ErrSweepThrottled) {
		t.Fatalf("expected cross-instance throttle, got %v", err)
	}
}
