package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// fixedWindowScript mirrors Policy.Step inside Redis. The key's TTL is the
// window, so an expired key reads as absent and starts a fresh window.
// Returns {admitted, count, pttl_ms}.
var fixedWindowScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if count == 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, 1, window}
end
if count >= max then
  return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter shares fixed-window state across instances. Window boundaries
// follow the Redis clock, not the now passed to Allow.
type RedisLimiter struct {
	rdb    redis.Cmdable
	policy Policy
	prefix string
}

func NewRedisLimiter(rdb redis.Cmdable, p Policy, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "rl:newsletter:"
	}
	return &RedisLimiter{rdb: rdb, policy: p, prefix: keyPrefix}
}

var _ Limiter = (*RedisLimiter)(nil)

func (l *RedisLimiter) Policy() Policy { return l.policy }

func (l *RedisLimiter) Allow(ctx context.Context, key string, _ time.Time) bool {
	if l.policy.Disabled() || l.rdb == nil {
		return true
	}

	res, err := fixedWindowScript.Run(ctx, l.rdb,
		[]string{l.prefix + key},
		l.policy.MaxRequests,
		l.policy.Window.Milliseconds(),
	).Int64Slice()
	if err != nil || len(res) < 1 {
		logger.Log.Warn("rate limit backend unavailable, admitting", zap.Error(err))
		return true
	}

	return res[0] == 1
}

func (l *RedisLimiter) Peek(ctx context.Context, key string) (Entry, bool) {
	if l.rdb == nil {
		return Entry{}, false
	}

	pipe := l.rdb.Pipeline()
	get := pipe.Get(ctx, l.prefix+key)
	ttl := pipe.PTTL(ctx, l.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Log.Warn("rate limit peek failed", zap.Error(err))
		}
		return Entry{}, false
	}

	count, err := strconv.Atoi(get.Val())
	if err != nil || ttl.Val() <= 0 {
		return Entry{}, false
	}

	return Entry{Count: count, ResetAt: time.Now().Add(ttl.Val())}, true
}
