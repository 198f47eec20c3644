package outbound

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inboundemail/inbound/internal/config"
)

// RateLimiter enforces per-user send limits atomically in Redis.
// A GET → check → INCR sequence races under concurrent sends, so the
// check and the increment happen inside a single Lua script.
type RateLimiter struct {
	redis  *redis.Client
	limits config.RateLimitConfig

	multiLimitScript *redis.Script
}

// Lua script for atomic multi-key rate limit check. All three windows
// are checked BEFORE incrementing so a denied request consumes nothing.
const multiLimitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])
local secondTTL = tonumber(ARGV[5])
local minuteTTL = tonumber(ARGV[6])
local dailyTTL = tonumber(ARGV[7])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1, secCurrent}
end
if minCurrent + increment > minuteLimit then
    return {0, 2, minCurrent}
end
if dayCurrent + increment > dailyLimit then
    return {0, 3, dayCurrent}
end

local newSec = redis.call("INCRBY", secondKey, increment)
if newSec == increment then
    redis.call("EXPIRE", secondKey, secondTTL)
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end

local newDay = redis.call("INCRBY", dailyKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dailyKey, dailyTTL)
end

return {1, 0, newDay}
`

// NewRateLimiter creates a rate limiter with a pre-compiled Lua script
func NewRateLimiter(redisClient *redis.Client, limits config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		redis:            redisClient,
		limits:           limits,
		multiLimitScript: redis.NewScript(multiLimitLuaScript),
	}
}

// NewRateLimiterFromURL creates a rate limiter by connecting to Redis
func NewRateLimiterFromURL(redisURL string, limits config.RateLimitConfig) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[RateLimiter] Connected to Redis at %s", opts.Addr)

	return NewRateLimiter(client, limits), nil
}

// Allow atomically checks and increments a user's send counters. When a
// window is exhausted it reports how long the caller should wait before
// retrying.
func (r *RateLimiter) Allow(ctx context.Context, userID string, count int) (allowed bool, retryAfter time.Duration, err error) {
	now := time.Now()

	// Keys with time-based bucketing
	secondKey := fmt.Sprintf("ratelimit:user:%s:sec:%d", userID, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:user:%s:min:%d", userID, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:user:%s:day:%s", userID, now.UTC().Format("2006-01-02"))

	result, err := r.multiLimitScript.Run(ctx, r.redis,
		[]string{secondKey, minuteKey, dailyKey},
		count,
		r.limits.PerSecond,
		r.limits.PerMinute,
		r.limits.PerDay,
		2,     // second TTL
		120,   // minute TTL
		90000, // daily TTL (25 hours)
	).Slice()

	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowedInt := result[0].(int64)
	denialReason := result[1].(int64)

	allowed = allowedInt == 1

	if !allowed {
		switch denialReason {
		case 1: // second limit
			retryAfter = time.Second
		case 2: // minute limit
			retryAfter = time.Duration(60-now.Second()) * time.Second
		case 3: // daily limit, counter resets at UTC midnight
			midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
			retryAfter = midnight.Sub(now.UTC())
		}
	}

	return allowed, retryAfter, nil
}

// Usage returns a user's current counters against the configured limits
func (r *RateLimiter) Usage(ctx context.Context, userID string) (map[string]int64, error) {
	now := time.Now()

	secondKey := fmt.Sprintf("ratelimit:user:%s:sec:%d", userID, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:user:%s:min:%d", userID, now.Unix()/60)
	dailyKey := fmt.Sprintf("ratelimit:user:%s:day:%s", userID, now.UTC().Format("2006-01-02"))

	pipe := r.redis.Pipeline()
	secCmd := pipe.Get(ctx, secondKey)
	minCmd := pipe.Get(ctx, minuteKey)
	dayCmd := pipe.Get(ctx, dailyKey)
	pipe.Exec(ctx)

	sec, _ := secCmd.Int64()
	min, _ := minCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(r.limits.PerSecond),
		"minute_current": min,
		"minute_limit":   int64(r.limits.PerMinute),
		"daily_current":  day,
		"daily_limit":    int64(r.limits.PerDay),
	}, nil
}

// Close closes the Redis connection
func (r *RateLimiter) Close() error {
	return r.redis.Close()
}
