package outbound

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/store"
)

func newTestLimiter(t *testing.T, limits config.RateLimitConfig) *RateLimiter {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, limits)
}

func TestAllowWithinLimits(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{PerSecond: 100, PerMinute: 100, PerDay: 100})

	allowed, retryAfter, err := limiter.Allow(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestAllowSecondLimitLeavesCountersUntouched(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{PerSecond: 2, PerMinute: 100, PerDay: 100})

	// the whole batch is over the per-second limit, so nothing is consumed
	allowed, retryAfter, err := limiter.Allow(context.Background(), "user-1", 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Second, retryAfter)

	// a fitting batch still goes through afterwards
	allowed, _, err = limiter.Allow(context.Background(), "user-1", 2)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowMinuteLimit(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{PerSecond: 100, PerMinute: 5, PerDay: 100})

	allowed, retryAfter, err := limiter.Allow(context.Background(), "user-1", 6)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestAllowDailyLimitExhausts(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{PerSecond: 100, PerMinute: 100, PerDay: 3})

	allowed, _, err := limiter.Allow(context.Background(), "user-1", 2)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, retryAfter, err := limiter.Allow(context.Background(), "user-1", 2)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, 24*time.Hour)
}

func TestAllowIsPerUser(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{PerSecond: 100, PerMinute: 100, PerDay: 1})

	allowed, _, err := limiter.Allow(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = limiter.Allow(context.Background(), "user-1", 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	// a different user has separate counters
	allowed, _, err = limiter.Allow(context.Background(), "user-2", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestUsageReportsCounters(t *testing.T) {
	limiter := newTestLimiter(t, config.RateLimitConfig{PerSecond: 100, PerMinute: 100, PerDay: 50})

	_, _, err := limiter.Allow(context.Background(), "user-1", 4)
	require.NoError(t, err)

	usage, err := limiter.Usage(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), usage["daily_current"])
	assert.Equal(t, int64(50), usage["daily_limit"])
	assert.Equal(t, int64(100), usage["second_limit"])
}

func TestNewRateLimiterFromURLRejectsBadURL(t *testing.T) {
	_, err := NewRateLimiterFromURL("not-a-url", config.RateLimitConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis URL")
}

func TestSendRateLimited(t *testing.T) {
	f := newTestSender(t)
	f.sender.limiter = newTestLimiter(t, config.RateLimitConfig{PerSecond: 0, PerMinute: 0, PerDay: 0})

	expectValidation(f.mock, store.DomainVerified)

	_, err := f.sender.Send(context.Background(), "user-1", sendRequest(), SendOptions{})
	var rejection *Error
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, 429, rejection.Status)
	assert.Equal(t, time.Second, rejection.RetryAfter)
	assert.Empty(t, f.ses.sent)
}
