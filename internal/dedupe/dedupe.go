package dedupe

import (
	"context"
	"time"

	"github.com/artpromedia/payhook/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "payhook:done:"

// Cache is a best-effort Redis cache of completed event ids, consulted
// before the ledger on the hot duplicate-delivery path. The ledger's atomic
// claim remains the source of truth; a cache miss or a Redis outage only
// costs a Postgres round trip, never correctness. A nil *Cache is valid and
// always misses.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewCache(client *redis.Client, ttl time.Duration, logger *log.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// SeenCompleted reports whether the event already completed, along with the
// recorded result.
func (c *Cache) SeenCompleted(ctx context.Context, eventID string) (string, bool) {
	if c == nil {
		return "", false
	}
	result, err := c.client.Get(ctx, keyPrefix+eventID).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.Warn("Dedupe cache read failed", zap.Error(err), zap.String("event_id", eventID))
		return "", false
	}
	return result, true
}

// MarkCompleted records a completed event and its result. Write-through,
// best-effort.
func (c *Cache) MarkCompleted(ctx context.Context, eventID, result string) {
	if c == nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+eventID, result, c.ttl).Err(); err != nil {
		c.logger.Warn("Dedupe cache write failed", zap.Error(err), zap.String("event_id", eventID))
	}
}
