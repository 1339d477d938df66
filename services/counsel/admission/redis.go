// Copyright (C) 2025 Briefwise Systems (eng@briefwise.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briefwise/briefwise/pkg/logging"
)

// incrWithTTL increments the window counter and sets its expiry on
// first touch, atomically. The INCR/EXPIRE pair must be one script;
// split calls can leak a counter with no TTL if the process dies
// between them.
var incrWithTTL = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter is the fixed-window limiter for multi-instance
// deployments. The window index is derived from wall time, so all
// instances sharing a Redis agree on window boundaries without
// coordination.
//
// Redis faults fail open: an unreachable Redis admits traffic (with a
// warning) rather than refusing it.
type RedisLimiter struct {
	client *redis.Client
	config Config
	logger *logging.Logger
	now    func() time.Time
}

// NewRedisLimiter connects to Redis and verifies the connection.
func NewRedisLimiter(addr string, config Config, logger *logging.Logger) (*RedisLimiter, error) {
	if logger == nil {
		logger = logging.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLimiter{
		client: client,
		config: config,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Check implements RateLimiter.
func (l *RedisLimiter) Check(ctx context.Context, identifier string) Decision {
	now := l.now()
	windowMs := l.config.Window.Milliseconds()
	idx := now.UnixMilli() / windowMs
	reset := time.UnixMilli((idx + 1) * windowMs).UTC()
	key := fmt.Sprintf("briefwise:ratelimit:%s:%d", identifier, idx)

	count, err := incrWithTTL.Run(ctx, l.client, []string{key}, windowMs).Int()
	if err != nil {
		l.logger.Warn("rate limiter redis fault, failing open",
			"identifier", identifier, "error", err)
		return Decision{Allowed: true, Remaining: l.config.Limit - 1, ResetTime: reset}
	}

	if count > l.config.Limit {
		return Decision{Allowed: false, Remaining: 0, ResetTime: reset}
	}
	return Decision{
		Allowed:   true,
		Remaining: l.config.Limit - count,
		ResetTime: reset,
	}
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

var _ RateLimiter = (*RedisLimiter)(nil)
