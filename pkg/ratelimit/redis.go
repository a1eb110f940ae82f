package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims the window, then either records the start and
// returns 0, or returns the milliseconds until the oldest start expires.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) < limit then
  redis.call("ZADD", key, now, ARGV[4])
  redis.call("PEXPIRE", key, window)
  return 0
end
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then wait = 1 end
return wait
`)

// RedisWindow is a sliding-window limiter shared by every process that
// uses the same Redis key.
type RedisWindow struct {
	client redis.Scripter
	key    string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisWindow creates a limiter stored under key.
func NewRedisWindow(client redis.Scripter, key string, limit int, window time.Duration, opts ...Option) *RedisWindow {
	if key == "" {
		key = "research:ratelimit"
	}
	if limit < 1 {
		limit = 1
	}
	o := buildOptions(opts)
	return &RedisWindow{
		client: client,
		key:    key,
		limit:  limit,
		window: window,
		now:    o.now,
	}
}

// Allow records a start and returns true if one is permitted right now.
func (w *RedisWindow) Allow(ctx context.Context) (bool, error) {
	delay, err := w.reserve(ctx)
	if err != nil {
		return false, err
	}
	return delay == 0, nil
}

// Wait blocks until a start is permitted or ctx is done.
func (w *RedisWindow) Wait(ctx context.Context) error {
	for {
		delay, err := w.reserve(ctx)
		if err != nil {
			return err
		}
		if delay == 0 {
			return nil
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *RedisWindow) reserve(ctx context.Context) (time.Duration, error) {
	now := w.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	wait, err := slidingWindowScript.Run(ctx, w.client, []string{w.key},
		now, w.window.Milliseconds(), w.limit, member).Int64()
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis window %s: %w", w.key, err)
	}
	return time.Duration(wait) * time.Millisecond, nil
}
