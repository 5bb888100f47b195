// Package ratelimit limits how many calls a team may issue per minute.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"llm_broker/internal/utils"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// NoopLimiter allows everything.
type NoopLimiter struct{}

func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

func (l *NoopLimiter) Allow(ctx context.Context, key string) bool {
	return true
}

const keyPrefix = "llm_broker:ratelimit:"

// slidingWindow counts requests of the last window in a sorted set scored by
// arrival time in milliseconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, now + window}
end

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// RateLimiter is a Redis sliding-window limiter shared by all instances.
type RateLimiter struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter creates a limiter with a one minute window
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, window: time.Minute, now: time.Now}
}

// AllowWithDetails records a request for key when it fits into limit and
// reports the remaining budget and when the oldest request leaves the
// window. A limit of 0 or less is unlimited.
func (l *RateLimiter) AllowWithDetails(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	now := l.now()
	if limit <= 0 {
		return true, -1, time.Time{}, nil
	}

	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()
	res, err := slidingWindow.Run(ctx, l.client, []string{keyPrefix + key},
		nowMs, l.window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(res) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}

	return res[0] == 1, int(res[1]), time.UnixMilli(res[2]), nil
}

// GetCurrentUsage returns the number of requests of key in the current window
func (l *RateLimiter) GetCurrentUsage(ctx context.Context, key string) (int64, error) {
	since := l.now().Add(-l.window).UnixMilli()
	n, err := l.client.ZCount(ctx, keyPrefix+key, "("+strconv.FormatInt(since, 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit usage: %w", err)
	}
	return n, nil
}

// Reset forgets all requests of key
func (l *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// FixedLimiter applies one per-minute limit to every key. Redis failures
// let the request through.
type FixedLimiter struct {
	limiter *RateLimiter
	limit   int
	logger  *utils.Logger
}

// NewFixedLimiter limits every key to limit requests per minute
func NewFixedLimiter(limiter *RateLimiter, limit int) *FixedLimiter {
	return &FixedLimiter{limiter: limiter, limit: limit, logger: utils.NewLogger("ratelimit")}
}

func (l *FixedLimiter) Allow(ctx context.Context, key string) bool {
	allowed, _, _, err := l.limiter.AllowWithDetails(ctx, key, l.limit)
	if err != nil {
		l.logger.Warn("Rate limit check failed, allowing request", "key", key, "error", err)
		return true
	}
	return allowed
}
