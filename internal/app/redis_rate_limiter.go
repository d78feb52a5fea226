package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Scores are unix milliseconds. Denials return the oldest score so the caller can compute
// the retry delay with the same rule as the in-memory limiter.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, count, tonumber(oldest[2])}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, count + 1, 0}
`)

// RedisRateLimiter implements the sliding-window limiter on a Redis sorted set so several
// gateway replicas share one window per account. Redis failures admit the call.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	scope  string
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix, scope string, limit int, window time.Duration, logger *slog.Logger) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "gateway:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		scope:  strings.TrimSpace(scope),
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, accountID int64) (Decision, error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return Decision{Allowed: true}, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	nowMs := r.now().UnixMilli()

	key := fmt.Sprintf("%s:%s:%s", r.prefix, r.scope, strconv.FormatInt(accountID, 10))
	rawResult, err := slidingWindowScript.Run(ctx, r.client, []string{key}, nowMs, windowMs, r.limit, uuid.NewString()).Result()
	if err != nil {
		r.logger.Warn("redis rate limiter unavailable; admitting request", "component", "rate_limiter", "scope", r.scope, "account_id", accountID, "error", err)
		return Decision{Allowed: true}, nil
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected redis limiter flag type: %T", values[0])
	}
	count, ok := values[1].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected redis limiter count type: %T", values[1])
	}
	if allowed == 1 {
		return Decision{Allowed: true, Remaining: r.limit - int(count)}, nil
	}

	oldestMs, ok := values[2].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected redis limiter oldest type: %T", values[2])
	}
	sinceOldest := time.Duration(nowMs-oldestMs) * time.Millisecond
	return Decision{RetryAfterSeconds: retryAfterSeconds(time.Duration(windowMs)*time.Millisecond, sinceOldest)}, nil
}

// Reset clears the account's window in Redis.
func (r *RedisRateLimiter) Reset(ctx context.Context, accountID int64) error {
	key := fmt.Sprintf("%s:%s:%s", r.prefix, r.scope, strconv.FormatInt(accountID, 10))
	return r.client.Del(ctx, key).Err()
}
