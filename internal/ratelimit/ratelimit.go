// Package ratelimit enforces the per-API-key sliding-window-log quota on
// task submission.
package ratelimit

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a caller identified by key may proceed, and how
// long until they may retry if not.
type Limiter interface {
	// Allow records an attempt at now and reports whether it is within the
	// window's quota. retryAfter is only meaningful when allowed is false.
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)

	// Reset drops key's bucket entirely, as if it had never been seen.
	Reset(ctx context.Context, key string) error
}

// windowLog is the timestamp history for one key, oldest first.
type windowLog struct {
	mu    sync.Mutex
	times *list.List
}

// SlidingWindowLimiter is an in-process sliding-window-log limiter: each key
// keeps the exact timestamps of its requests in the trailing window and
// trims expired ones on every call, so the count is always exact rather than
// approximated by fixed buckets.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	logs map[string]*windowLog
}

// NewSlidingWindowLimiter builds a limiter allowing up to limit requests per
// window, per key.
func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:  limit,
		window: window,
		logs:   make(map[string]*windowLog),
	}
}

func (l *SlidingWindowLimiter) logFor(key string) *windowLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	wl, ok := l.logs[key]
	if !ok {
		wl = &windowLog{times: list.New()}
		l.logs[key] = wl
	}
	return wl
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	wl := l.logFor(key)
	wl.mu.Lock()
	defer wl.mu.Unlock()

	cutoff := now.Add(-l.window)
	for e := wl.times.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			wl.times.Remove(e)
		} else {
			break
		}
		e = next
	}

	if wl.times.Len() >= l.limit {
		oldest := wl.times.Front().Value.(time.Time)
		retryAfter := oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}

	wl.times.PushBack(now)
	return true, 0, nil
}

// Reset implements Limiter by dropping key's window log outright.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.logs, key)
	return nil
}

// RedisLimiter implements the same sliding-window-log algorithm shared
// across gateway replicas, using a Redis sorted set keyed per API key. The
// ZADD/ZREMRANGEBYSCORE/ZCARD sequence runs inside a single Lua script so
// concurrent requests from different gateway processes can't race past the
// quota between the trim and the count.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	sha    string
}

const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window_ms)
local count = redis.call("ZCARD", key)
if count >= limit then
	local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local retry_at = 0
	if #oldest == 2 then
		retry_at = tonumber(oldest[2]) + window_ms
	end
	return {0, retry_at}
end

redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, window_ms)
return {1, 0}
`

// NewRedisLimiter preloads the sliding-window script so requests never pay
// the cost of shipping its text over the wire.
func NewRedisLimiter(ctx context.Context, client *redis.Client, limit int, window time.Duration) (*RedisLimiter, error) {
	sha, err := client.ScriptLoad(ctx, slidingWindowScript).Result()
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client, limit: limit, window: window, sha: sha}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	nowMS := now.UnixMilli()
	windowMS := l.window.Milliseconds()
	member := strconv.FormatInt(nowMS, 10) + "-" + uuid.NewString()

	res, err := l.client.EvalSha(ctx, l.sha, []string{"ratelimit:" + key},
		nowMS, windowMS, l.limit, member).Result()
	if err != nil {
		return false, 0, err
	}

	row, ok := res.([]interface{})
	if !ok || len(row) != 2 {
		return false, 0, nil
	}
	allowed := row[0].(int64) == 1
	if allowed {
		return true, 0, nil
	}
	retryAtMS := row[1].(int64)
	retryAfter := time.Duration(retryAtMS-nowMS) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

// Reset implements Limiter by deleting key's sorted set.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, "ratelimit:"+key).Err()
}
