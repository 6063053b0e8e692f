package progressapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a participant may make another request.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter is an in-process sliding-window limiter keyed by participant.
type MemoryLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryLimiter allows max requests per window per key. max <= 0 disables limiting.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:    max,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := pruneWindow(l.hits[key], now, l.window)
	if blocked, retry := evaluateWindowThrottle(now, hits, l.max, l.window); blocked {
		l.hits[key] = hits
		return false, retry, nil
	}
	l.hits[key] = append(hits, now)
	return true, 0, nil
}

// RedisLimiter is a sliding-window limiter shared by every server instance
// using the same Redis. Each key is a sorted set of request timestamps.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
}

// DefaultRateLimitPrefix namespaces limiter keys in a shared Redis.
const DefaultRateLimitPrefix = "eduloom:ratelimit:progress:"

// NewRedisLimiter allows max requests per window per key. The client is
// owned by the caller.
func NewRedisLimiter(client *redis.Client, prefix string, max int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = DefaultRateLimitPrefix
	}
	return &RedisLimiter{client: client, prefix: prefix, max: max, window: window}
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local seq_key = KEYS[2]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	local seq = redis.call('INCR', seq_key)
	redis.call('ZADD', key, now, now .. ':' .. seq)
	redis.call('PEXPIRE', key, window)
	redis.call('PEXPIRE', seq_key, window)
	return {1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = 0
if #oldest >= 2 then
	retry = tonumber(oldest[2]) + window - now
end
return {0, retry}
`)

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.max <= 0 {
		return true, 0, nil
	}

	k := l.prefix + key
	res, err := slidingWindowScript.Run(ctx, l.client, []string{k, k + ":seq"},
		time.Now().UnixMilli(),
		l.max,
		l.window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("progressapi: rate limit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("progressapi: rate limit script: unexpected result %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// evaluateWindowThrottle blocks once max events fall inside the window
// ending at now. retry is the time until the oldest of them leaves it.
func evaluateWindowThrottle(now time.Time, events []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}

	cut := now.Add(-window)
	count := 0
	var oldest time.Time
	for _, e := range events {
		if e.Before(cut) {
			continue
		}
		count++
		if oldest.IsZero() || e.Before(oldest) {
			oldest = e
		}
	}
	if count < max {
		return false, 0
	}
	return true, oldest.Add(window).Sub(now)
}

func pruneWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := now.Add(-window)
	out := events[:0]
	for _, e := range events {
		if !e.Before(cut) {
			out = append(out, e)
		}
	}
	return out
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
