// Package configcache keeps provider schedules in Redis in front of the store. Slot listings
// tolerate a schedule that is up to one TTL stale; booking never reads through the cache.
package configcache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/booking"
	"github.com/alshifa-dental/scheduling/services/scheduling-service/internal/model"
)

const keyPrefix = "scheduling:schedule:"

type Cache struct {
	rdb    redis.Cmdable
	source booking.ScheduleReader
	ttl    time.Duration
	logger *slog.Logger
}

var (
	_ booking.ScheduleReader      = (*Cache)(nil)
	_ booking.ScheduleInvalidator = (*Cache)(nil)
)

func New(rdb redis.Cmdable, source booking.ScheduleReader, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

func key(providerID string) string { return keyPrefix + providerID }

// ProviderSchedule serves from Redis when it can. Redis failures degrade to reading the source.
func (c *Cache) ProviderSchedule(ctx context.Context, providerID string) (model.ProviderSchedule, error) {
	raw, err := c.rdb.Get(ctx, key(providerID)).Bytes()
	switch {
	case err == nil:
		var s model.ProviderSchedule
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		c.logger.Warn("dropping undecodable cached schedule", "provider_id", providerID)
		_ = c.rdb.Del(ctx, key(providerID)).Err()
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("schedule cache read failed", "provider_id", providerID, "err", err)
	}

	s, err := c.source.ProviderSchedule(ctx, providerID)
	if err != nil {
		return model.ProviderSchedule{}, err
	}
	if err := c.Put(ctx, s); err != nil {
		c.logger.Warn("schedule cache write failed", "provider_id", providerID, "err", err)
	}
	return s, nil
}

func (c *Cache) Put(ctx context.Context, s model.ProviderSchedule) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(s.ProviderID), raw, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, providerID string) error {
	return c.rdb.Del(ctx, key(providerID)).Err()
}

// ReadyCheck pings Redis.
func ReadyCheck(rdb redis.Cmdable) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
