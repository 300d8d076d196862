// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter enforces a per-identity sliding-window request ceiling
// backed by Redis, so the limit holds across gateway replicas. Redis
// failures fail open: rate limiting protects capacity, it must not
// take the service down with it.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *log.Logger
}

// NewRateLimiter connects to Redis and returns a limiter. A limit of 0
// disables limiting.
func NewRateLimiter(redisURL string, limitPerMinute int) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRateLimiterWithClient(client, limitPerMinute), nil
}

// NewRateLimiterWithClient wraps an existing client (used in tests).
func NewRateLimiterWithClient(client *redis.Client, limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limitPerMinute,
		window: time.Minute,
		logger: log.New(os.Stdout, "[RATELIMIT] ", log.LstdFlags),
	}
}

// Allow records one request for the identity key and reports whether it
// is within the limit.
func (rl *RateLimiter) Allow(ctx context.Context, identityKey string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}

	now := time.Now()
	key := "ratelimit:" + identityKey

	// Sliding window over a sorted set: prune old entries, count, add
	// this request, refresh expiry. Pipelined so one round trip does
	// all four.
	pipe := rl.client.Pipeline()
	minScore := now.Add(-rl.window).UnixNano()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*rl.window)

	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Printf("redis check failed for %s: %v (failing open)", identityKey, err)
		return true
	}

	return countCmd.Val() < int64(rl.limit)
}

// Close releases the Redis connection.
func (rl *RateLimiter) Close() error {
	if rl == nil || rl.client == nil {
		return nil
	}
	return rl.client.Close()
}
