package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"estatehunter/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// DefaultKey 通知渠道共享的令牌桶。
const DefaultKey = "estatehunter:ratelimit:notify"

var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

// tokenBucketLua 在 Redis 中维护令牌桶 {tokens, ts}，多个进程共享同一速率。
// 返回 {allowed, wait_ms, tokens}
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

if rate <= 0 or burst <= 0 then
  return {1, 0, burst}
end
if requested > burst then
  requested = burst
end

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + (elapsed * rate) / 1000.0)

local wait_ms = 0
local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  wait_ms = math.ceil((requested - tokens) * 1000.0 / rate)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 2000.0))

return {allowed, wait_ms, tostring(tokens)}
`

// Limiter 基于 Redis 的分布式令牌桶。rate 或 burst 不大于 0 时不限流。
type Limiter struct {
	rdb       *redis.Client
	key       string
	rate      float64
	burst     float64
	maxJitter time.Duration
	logger    *slog.Logger
	script    *redis.Script
}

// New 创建限流器，key 为空时使用 DefaultKey。logger 可以为 nil。
func New(rdb *redis.Client, logger *slog.Logger, key string, rate, burst float64) *Limiter {
	if key == "" {
		key = DefaultKey
	}
	return &Limiter{
		rdb:       rdb,
		key:       key,
		rate:      rate,
		burst:     burst,
		maxJitter: 10 * time.Millisecond,
		logger:    logger,
		script:    redis.NewScript(tokenBucketLua),
	}
}

// Wait 阻塞直到获得一个令牌。ctx 结束时返回 ErrRateLimitTimeout。
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 1)
}

// WaitN 阻塞直到获得 n 个令牌，n 超过桶容量时按桶容量计。
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}

	start := time.Now()
	for {
		allowed, waitMs, err := l.take(ctx, n)
		if err != nil {
			return err
		}
		if allowed {
			waited := time.Since(start)
			metrics.RateLimitWaitDuration.Observe(waited.Seconds())
			if l.logger != nil && waited > time.Second {
				l.logger.Debug("rate limiter throttled",
					slog.String("key", l.key),
					slog.Duration("waited", waited))
			}
			return nil
		}

		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		if l.maxJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(l.maxJitter)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			metrics.RateLimitTimeoutTotal.Inc()
			return ErrRateLimitTimeout
		case <-timer.C:
		}
	}
}

// Allow 非阻塞地尝试获取一个令牌。
func (l *Limiter) Allow(ctx context.Context) (bool, error) {
	if l == nil || l.rate <= 0 || l.burst <= 0 {
		return true, nil
	}
	allowed, _, err := l.take(ctx, 1)
	return allowed, err
}

func (l *Limiter) take(ctx context.Context, n int) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := l.script.Run(ctx, l.rdb, []string{l.key}, l.rate, l.burst, now, n).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}
	return toInt64(values[0]) == 1, toInt64(values[1]), nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
