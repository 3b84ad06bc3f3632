package service

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// HourlyLimiter enforces per-binding hourly override ceilings in redis so
// they hold across service instances. Requests use a sliding window over a
// sorted set; token budgets use a fixed-window counter. Both fail closed:
// if redis is unreachable the binding is treated as over its limit and the
// allocation degrades to the shared pool.
type HourlyLimiter struct {
	client *redis.Client
}

func NewHourlyLimiter(client *redis.Client) *HourlyLimiter {
	return &HourlyLimiter{client: client}
}

// CheckLimit records one event against key and reports whether the count
// within window stays at or under limit. Returns the earliest time the
// caller could retry when denied.
func (l *HourlyLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	now := time.Now()
	redisKey := fmt.Sprintf("hourly:req:%s", key)
	windowStart := now.Add(-window).UnixNano()

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart))
	zcard := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: now.UnixNano()})
	pipe.Expire(ctx, redisKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("hourly limiter unavailable, failing closed")
		return false, now.Add(window)
	}

	if zcard.Val() >= int64(limit) {
		// Refund the just-added member so a denied attempt does not
		// consume the window.
		l.client.ZRem(ctx, redisKey, now.UnixNano())
		return false, now.Add(window)
	}
	return true, now
}

// CheckBudget adds amount to the fixed-window counter for key and reports
// whether the total stays at or under limit.
func (l *HourlyLimiter) CheckBudget(ctx context.Context, key string, amount, limit int, window time.Duration) bool {
	redisKey := fmt.Sprintf("hourly:budget:%s:%d", key, time.Now().Truncate(window).Unix())

	pipe := l.client.Pipeline()
	total := pipe.IncrBy(ctx, redisKey, int64(amount))
	pipe.Expire(ctx, redisKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("hourly budget unavailable, failing closed")
		return false
	}

	if total.Val() > int64(limit) {
		// Refund so a denied attempt does not consume budget.
		l.client.DecrBy(ctx, redisKey, int64(amount))
		return false
	}
	return true
}
