// Package ratelimit implements a Redis fixed-window request limiter shared
// across instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

func New(client *redis.Client, limit int, window time.Duration, prefix string) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("limit and window must be > 0")
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{client: client, limit: limit, window: window, prefix: prefix}, nil
}

// Allow counts one request for key in the current window. On a Redis error
// the request is allowed and the error returned so the caller can log it.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := l.prefix + ":" + key

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{Allowed: true, Limit: l.limit, Remaining: l.limit}, fmt.Errorf("redis rate limit: %w", err)
	}

	retry := ttl.Val()
	if retry < 0 {
		// First hit in this window, or a key that lost its expiry.
		if err := l.client.PExpire(ctx, redisKey, l.window).Err(); err != nil {
			return Result{Allowed: true, Limit: l.limit, Remaining: l.limit}, fmt.Errorf("redis rate limit expire: %w", err)
		}
		retry = l.window
	}

	count := int(incr.Val())
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= l.limit,
		Limit:      l.limit,
		Remaining:  remaining,
		RetryAfter: retry,
	}, nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+":"+key).Err()
}
