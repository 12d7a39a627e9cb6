package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/godrive/internal/models"
	"github.com/example/godrive/internal/observability"
)

// CacheClient is the subset of redis commands the slot cache needs.
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// CachedEngine memoises a SlotSource in Redis. Cache failures are logged
// and the request falls through to the wrapped source.
//
// Day keys embed a per-instructor generation; bumping it orphans every
// cached day of that instructor, which then expire by TTL.
type CachedEngine struct {
	next   SlotSource
	client CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedEngine(next SlotSource, client CacheClient, ttl time.Duration, logger *slog.Logger) *CachedEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEngine{next: next, client: client, ttl: ttl, logger: logger}
}

func generationKey(instructorID int64) string {
	return fmt.Sprintf("slots:%d:gen", instructorID)
}

func (c *CachedEngine) slotKey(ctx context.Context, instructorID int64, date time.Time) string {
	gen, err := c.client.Get(ctx, generationKey(instructorID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Warn("slot cache generation read failed", "instructor_id", instructorID, "error", err)
	}
	return fmt.Sprintf("slots:%d:%d:%s", instructorID, gen, date.Format(time.DateOnly))
}

func (c *CachedEngine) AvailableSlots(ctx context.Context, instructorID int64, date time.Time) ([]models.TimeOfDay, error) {
	key := c.slotKey(ctx, instructorID, date)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var slots []models.TimeOfDay
		if jerr := json.Unmarshal(raw, &slots); jerr == nil {
			observability.SlotCacheHits.Inc()
			return slots, nil
		}
		c.logger.Warn("discarding corrupt slot cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("slot cache read failed", "key", key, "error", err)
	}
	observability.SlotCacheMisses.Inc()

	slots, err := c.next.AvailableSlots(ctx, instructorID, date)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(slots); err == nil {
		if err := c.client.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.logger.Warn("slot cache write failed", "key", key, "error", err)
		}
	}
	return slots, nil
}

// Invalidate drops the cached slots of one instructor day.
func (c *CachedEngine) Invalidate(ctx context.Context, instructorID int64, date time.Time) {
	key := c.slotKey(ctx, instructorID, date)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("slot cache invalidation failed", "key", key, "error", err)
	}
}

// InvalidateInstructor drops every cached day of one instructor.
func (c *CachedEngine) InvalidateInstructor(ctx context.Context, instructorID int64) {
	if err := c.client.Incr(ctx, generationKey(instructorID)).Err(); err != nil {
		c.logger.Warn("slot cache generation bump failed", "instructor_id", instructorID, "error", err)
	}
}
