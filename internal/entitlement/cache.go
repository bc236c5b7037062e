package entitlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/cambia-matchmaking/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaking/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cache is a read-through Redis cache in front of another Adapter. Redis
// failures degrade to the inner adapter rather than failing the lookup.
type Cache struct {
	inner Adapter
	rdb   *redis.Client
	ttl   time.Duration
	log   logrus.FieldLogger
}

func NewCache(inner Adapter, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Cache {
	return &Cache{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(userID uuid.UUID) string {
	return cache.Key("entitlement", userID.String())
}

func (c *Cache) GetEntitlement(ctx context.Context, userID uuid.UUID) (models.Entitlement, error) {
	key := cacheKey(userID)

	data, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e models.Entitlement
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil {
			return e, nil
		}
		c.log.WithField("user_id", userID).Warn("discarding malformed cached entitlement")
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).WithField("user_id", userID).Warn("entitlement cache read failed")
	}

	e, err := c.inner.GetEntitlement(ctx, userID)
	if err != nil {
		return e, err
	}

	if data, err := json.Marshal(e); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.WithError(err).WithField("user_id", userID).Warn("entitlement cache write failed")
		}
	}
	return e, nil
}

// Invalidate drops the cached entitlement, e.g. after a billing change.
func (c *Cache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	return c.rdb.Del(ctx, cacheKey(userID)).Err()
}
