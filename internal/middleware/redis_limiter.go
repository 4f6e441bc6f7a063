package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/authcore/server/internal/clock"
)

// RedisLimiter is a fixed-window limiter shared across instances through Redis.
type RedisLimiter struct {
	client  redis.Cmdable
	prefix  string
	window  time.Duration
	maxReqs int
	clock   clock.Clock
}

func NewRedisLimiter(client redis.Cmdable, prefix string, window time.Duration, maxReqs int, clk clock.Clock) *RedisLimiter {
	return &RedisLimiter{
		client:  client,
		prefix:  prefix,
		window:  window,
		maxReqs: maxReqs,
		clock:   clk,
	}
}

// Allow increments the counter for key's current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := l.bucketKey(key, l.clock.Now())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.Expire(ctx, bucket, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis rate limit: %w", err)
	}
	return incr.Val() <= int64(l.maxReqs), nil
}

func (l *RedisLimiter) bucketKey(key string, now time.Time) string {
	idx := now.UnixNano() / int64(l.window)
	return l.prefix + ":" + key + ":" + strconv.FormatInt(idx, 10)
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
