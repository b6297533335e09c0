package batch

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/logging"
)

const redisKeyPrefix = "ingestd:job-status:"

// RedisCache shares terminal job statuses between processes. Redis
// failures degrade to cache misses.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisCache creates a cache; entries expire after ttl (0 keeps them).
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, log: logging.OrNop(log)}
}

func (c *RedisCache) Get(ctx context.Context, handle string) (JobStatus, bool) {
	v, err := c.client.Get(ctx, redisKeyPrefix+handle).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		c.log.Warn("job status cache read failed", zap.String("job", handle), zap.Error(err))
		return "", false
	}
	st, ok := ParseJobStatus(v)
	if !ok || !st.Terminal() {
		return "", false
	}
	return st, true
}

func (c *RedisCache) Put(ctx context.Context, handle string, st JobStatus) {
	if err := c.client.Set(ctx, redisKeyPrefix+handle, string(st), c.ttl).Err(); err != nil {
		c.log.Warn("job status cache write failed", zap.String("job", handle), zap.Error(err))
	}
}

// Ping checks the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
