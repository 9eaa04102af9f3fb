package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts chat queries per tenant in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, tenantID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("vaultchat:ratelimit:%s:%s", tenantID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// ToolCallDeduplicator makes confirmed side effects idempotent per tool call.
type ToolCallDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewToolCallDeduplicator(rdb *redis.Client, ttl time.Duration) *ToolCallDeduplicator {
	return &ToolCallDeduplicator{redis: rdb, ttl: ttl}
}

func (d *ToolCallDeduplicator) MarkFirst(ctx context.Context, tenantID, toolCallID string) (bool, error) {
	ok, err := d.redis.SetNX(ctx, dedupeKey(tenantID, toolCallID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Release forgets a tool call so a failed enqueue can be retried.
func (d *ToolCallDeduplicator) Release(ctx context.Context, tenantID, toolCallID string) error {
	if err := d.redis.Del(ctx, dedupeKey(tenantID, toolCallID)).Err(); err != nil {
		return fmt.Errorf("dedupe release: %w", err)
	}
	return nil
}

func dedupeKey(tenantID, toolCallID string) string {
	return fmt.Sprintf("vaultchat:toolcall:%s:%s", tenantID, toolCallID)
}
