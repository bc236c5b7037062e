package lobby

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/apperr"
	"github.com/jason-s-yu/cambia-matchmaking/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Unlimited disables the cap for a tier.
const Unlimited = -1

// Counter is a keyed counter with an atomic check-and-increment.
type Counter interface {
	// Acquire increments key if its value is below limit and reports whether it did.
	Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error)
	// Release undoes one Acquire. It never takes the value below zero.
	Release(ctx context.Context, key string) error
}

// QuotaLimits are daily private-lobby caps per tier.
type QuotaLimits struct {
	Free    int
	Plus    int
	Premium int
}

// DefaultQuotaLimits are used when none are configured.
var DefaultQuotaLimits = QuotaLimits{Free: 3, Plus: 10, Premium: Unlimited}

func (q QuotaLimits) forTier(t models.Tier) int {
	switch t {
	case models.TierPremium:
		return q.Premium
	case models.TierPlus:
		return q.Plus
	default:
		return q.Free
	}
}

// Quota enforces the per-user, per-UTC-day private lobby cap.
type Quota struct {
	counter Counter
	limits  QuotaLimits
	clock   clock.Clock
}

func NewQuota(counter Counter, limits QuotaLimits, clk clock.Clock) *Quota {
	return &Quota{counter: counter, limits: limits, clock: clk}
}

func quotaKey(userID uuid.UUID, day time.Time) string {
	return cache.Key("quota", "private_lobby", userID.String(), day.Format("2006-01-02"))
}

// Reserve takes one unit of today's quota for the user. The returned release
// gives it back if the lobby is never created.
func (q *Quota) Reserve(ctx context.Context, userID uuid.UUID, tier models.Tier) (func(context.Context), error) {
	limit := q.limits.forTier(tier)
	if limit < 0 {
		return func(context.Context) {}, nil
	}
	now := q.clock.Now().UTC()
	key := quotaKey(userID, now)
	// Keep the key a little past midnight so late releases still land.
	ttl := now.Truncate(24*time.Hour).Add(25 * time.Hour).Sub(now)

	ok, err := q.counter.Acquire(ctx, key, limit, ttl)
	if err != nil {
		return nil, apperr.Transient(err, "quota counter")
	}
	if !ok {
		return nil, apperr.ErrQuotaExceeded
	}
	return func(ctx context.Context) { _ = q.counter.Release(ctx, key) }, nil
}

// MemoryCounter is a Counter for a single process.
type MemoryCounter struct {
	counts sync.Map // key -> *atomic.Int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (c *MemoryCounter) value(key string) *atomic.Int64 {
	v, _ := c.counts.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Acquire ignores ttl; day-stamped keys simply stop being used.
func (c *MemoryCounter) Acquire(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	n := c.value(key)
	for {
		cur := n.Load()
		if cur >= int64(limit) {
			return false, nil
		}
		if n.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

func (c *MemoryCounter) Release(_ context.Context, key string) error {
	n := c.value(key)
	for {
		cur := n.Load()
		if cur <= 0 || n.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Count returns the current value for key.
func (c *MemoryCounter) Count(key string) int {
	return int(c.value(key).Load())
}

var acquireScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return 0
end
n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)

var releaseScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisCounter shares counters across replicas.
type RedisCounter struct {
	rdb *redis.Client
}

func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	ok, err := acquireScript.Run(ctx, c.rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "acquire quota")
	}
	return ok == 1, nil
}

func (c *RedisCounter) Release(ctx context.Context, key string) error {
	return errors.Wrap(releaseScript.Run(ctx, c.rdb, []string{key}).Err(), "release quota")
}
