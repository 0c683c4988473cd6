package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted-set member per accepted send, scored by its time in
// milliseconds. Denied sends are not recorded. It returns {allowed, used, resetAtMillis}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local used = redis.call("ZCARD", KEYS[1])
local allowed = 0
if used < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  used = used + 1
  allowed = 1
end
local reset = now + window
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
return {allowed, used, reset}
`)

// RateLimiter caps sends per scope and user over a sliding window. A scope such as
// "tg:42" takes the limit configured for its prefix ("tg"), else the default.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	scoped map[string]int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, window: time.Hour, scoped: map[string]int64{}}
}

// WithScopeLimit overrides the limit for scope and every "scope:*" sub-scope.
func (r *RateLimiter) WithScopeLimit(scope string, limit int64) *RateLimiter {
	r.scoped[scope] = limit
	return r
}

func (r *RateLimiter) limitFor(scope string) int64 {
	if l, ok := r.scoped[scope]; ok {
		return l
	}
	if prefix, _, ok := strings.Cut(scope, ":"); ok {
		if l, ok := r.scoped[prefix]; ok {
			return l
		}
	}
	return r.limit
}

// Allow records a send for userID in scope unless the window is full. resetAt is when the
// oldest counted send leaves the window.
func (r *RateLimiter) Allow(ctx context.Context, scope, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	limit := r.limitFor(scope)
	if limit <= 0 {
		return true, 0, time.Time{}, nil
	}
	nowMs := now.UTC().UnixMilli()
	key := fmt.Sprintf("hakichat:ratelimit:%s:%s", scope, userID)
	member := fmt.Sprintf("%d:%s", nowMs, uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, r.redis, []string{key},
		nowMs, r.window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], time.UnixMilli(res[2]).UTC(), nil
}

type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	key := fmt.Sprintf("hakichat:update:%d", updateID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
