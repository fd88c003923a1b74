package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is the distributed Window for multi-instance deployments.
// Admissions are scored into a sorted set by nanosecond timestamp; entries
// older than the window are trimmed on every check.
type RedisWindow struct {
	client *redis.Client
	key    string
	limit  int
	window time.Duration
}

func NewRedisWindow(redisURL string, limit int, window time.Duration) (*RedisWindow, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisWindow{
		client: client,
		key:    "ratelimit:global",
		limit:  limit,
		window: window,
	}, nil
}

func NewRedisWindowWithClient(client *redis.Client, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{client: client, key: "ratelimit:global", limit: limit, window: window}
}

func (w *RedisWindow) Allow(ctx context.Context) Decision {
	now := time.Now()
	cutoff := now.Add(-w.window)

	pipe := w.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, w.key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, w.key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	countCmd := pipe.ZCard(ctx, w.key)
	pipe.Expire(ctx, w.key, w.window)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open: a broken limiter backend must not take the gateway down.
		return Decision{Allowed: true, Scope: "global", Limit: float64(w.limit)}
	}

	count := int(countCmd.Val())
	remaining := w.limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > w.limit {
		return Decision{
			Scope:      "global",
			Limit:      float64(w.limit),
			Remaining:  float64(remaining),
			RetryAfter: w.window,
		}
	}

	return Decision{
		Allowed:   true,
		Scope:     "global",
		Limit:     float64(w.limit),
		Remaining: float64(remaining),
	}
}

func (w *RedisWindow) Close() error {
	return w.client.Close()
}
