// Package lock implements the distributed credit lock: a per-user,
// TTL-bounded mutex backed by Redis so that concurrent metered operations
// from different service instances serialize before touching the usage
// ledger. The lock is a coordination artifact only; it is never a source
// of truth for consumption.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

var (
	// ErrBusy means the lock is held by another caller and the wait
	// budget ran out. Safe to retry.
	ErrBusy = errors.New("credit lock busy")
	// ErrSweepThrottled means a forced sweep ran too recently.
	ErrSweepThrottled = errors.New("lock sweep ran too recently")
)

// Locker hands out per-user credit locks under a shared key namespace.
type Locker struct {
	client      goredis.Cmdable
	prefix      string
	ttl         time.Duration
	retry       time.Duration
	sweepMinGap time.Duration
}

// Option configures Locker.
type Option func(*Locker)

// WithNamespace sets the Redis key prefix (default "credit_lock:").
func WithNamespace(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithRetryInterval sets the poll interval used by AcquireWait.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) { l.retry = d }
}

// WithSweepMinInterval sets the minimum gap between forced sweeps. The
// gap is enforced through a Redis gate shared by every instance using
// the namespace; zero disables the throttle.
func WithSweepMinInterval(d time.Duration) Option {
	return func(l *Locker) { l.sweepMinGap = d }
}

// New creates a Locker. ttl must exceed the expected duration of the
// critical section (ledger read + compare + write); a crashed holder
// self-heals once the TTL elapses.
func New(client goredis.Cmdable, ttl time.Duration, opts ...Option) *Locker {
	l := &Locker{
		client:      client,
		prefix:      "credit_lock:",
		ttl:         ttl,
		retry:       50 * time.Millisecond,
		sweepMinGap: time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle identifies one held lock. Release verifies the owner token so a
// slow caller cannot delete a lock a newer caller acquired after expiry.
type Handle struct {
	Key   string
	Token string
}

func (l *Locker) key(userID int64) string {
	return l.prefix + strconv.FormatInt(userID, 10)
}

// Acquire attempts a single non-blocking acquisition of the lock for
// userID. Returns ErrBusy when another caller holds it.
func (l *Locker) Acquire(ctx context.Context, userID int64) (Handle, error) {
	key := l.key(userID)
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return Handle{}, fmt.Errorf("lock acquire: %w", err)
	}
	if !ok {
		return Handle{}, ErrBusy
	}
	return Handle{Key: key, Token: token}, nil
}

// AcquireWait retries Acquire until it succeeds, the wait budget elapses
// or ctx is canceled. The retry interval is fixed; fairness under
// contention is not guaranteed.
func (l *Locker) AcquireWait(ctx context.Context, userID int64, wait time.Duration) (Handle, error) {
	deadline := time.Now().Add(wait)
	for {
		h, err := l.Acquire(ctx, userID)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, ErrBusy) {
			return Handle{}, err
		}
		if time.Now().Add(l.retry).After(deadline) {
			return Handle{}, ErrBusy
		}
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

// releaseScript deletes the key only when the stored token matches the
// caller's. A mismatch means the lock expired and was re-acquired; the
// release is then a no-op.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release releases h. Releasing a lock that expired or was swept is not
// an error.
func (l *Locker) Release(ctx context.Context, h Handle) error {
	if h.Key == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{h.Key}, h.Token).Err(); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// HeldLock describes one currently held lock key.
type HeldLock struct {
	Key   string        `json:"key"`
	Token string        `json:"token"`
	TTL   time.Duration `json:"ttl_ns"`
}

// List enumerates all currently held locks under the namespace.
func (l *Locker) List(ctx context.Context) ([]HeldLock, error) {
	keys, err := l.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	held := make([]HeldLock, 0, len(keys))
	for _, key := range keys {
		token, err := l.client.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, fmt.Errorf("lock list: %w", err)
		}
		ttl, err := l.client.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("lock list: %w", err)
		}
		held = append(held, HeldLock{Key: key, Token: token, TTL: ttl})
	}
	return held, nil
}

// Sweep force-deletes every lock key under the namespace and returns the
// keys removed. This is a blunt operator-only recovery path for confirmed
// stuck locks: it opens a window of unsynchronized ledger access, so each
// run is logged and runs are throttled to sweepMinGap. The throttle is a
// Redis gate key shared by all service instances; it lives outside the
// lock namespace so the sweep itself cannot delete it.
func (l *Locker) Sweep(ctx context.Context, reason string) ([]string, error) {
	if l.sweepMinGap > 0 {
		ok, err := l.client.SetNX(ctx, "sweepgate:"+l.prefix, "1", l.sweepMinGap).Result()
		if err != nil {
			return nil, fmt.Errorf("lock sweep gate: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: within the last %s", ErrSweepThrottled, l.sweepMinGap)
		}
	}

	keys, err := l.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		log.Printf("[INFO] credit lock sweep: nothing held (reason: %s)", reason)
		return nil, nil
	}
	if err := l.client.Del(ctx, keys...).Err(); err != nil {
		return nil, fmt.Errorf("lock sweep: %w", err)
	}
	log.Printf("[INFO] credit lock sweep: removed %d lock(s) %v (reason: %s)", len(keys), keys, reason)
	return keys, nil
}

func (l *Locker) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("lock scan: %w", err)
	}
	return keys, nil
}
