// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fairqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitResult is the outcome of one rate limiter check. When Allowed
// is false the caller should wait ResetAfter before claiming.
type RateLimitResult struct {
	Allowed    bool
	ResetAfter time.Duration
}

// GlobalRateLimiter throttles claims across every queue the consumer
// loops serve.
type GlobalRateLimiter interface {
	Limit(ctx context.Context) (RateLimitResult, error)
}

// TokenBucketLimiter is an in-process token bucket refilled at rps tokens
// per second up to burst.
type TokenBucketLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

var _ GlobalRateLimiter = (*TokenBucketLimiter)(nil)

func NewTokenBucketLimiter(rps float64, burst int, now func() time.Time) *TokenBucketLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &TokenBucketLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     now,
	}
}

func (l *TokenBucketLimiter) Limit(context.Context) (RateLimitResult, error) {
	t := l.now()
	if l.limiter.AllowN(t, 1) {
		return RateLimitResult{Allowed: true}, nil
	}
	missing := 1 - l.limiter.TokensAt(t)
	wait := time.Duration(missing / float64(l.limiter.Limit()) * float64(time.Second))
	return RateLimitResult{Allowed: false, ResetAfter: wait}, nil
}

// RedisWindowLimiter allows Limit claims per Window across every process
// sharing the store, using a fixed window counter.
type RedisWindowLimiter struct {
	client redis.UniversalClient
	key    string
	limit  int
	window time.Duration
}

var _ GlobalRateLimiter = (*RedisWindowLimiter)(nil)

func NewRedisWindowLimiter(client redis.UniversalClient, keys KeyProducer, name string, limit int, window time.Duration) *RedisWindowLimiter {
	return &RedisWindowLimiter{
		client: client,
		key:    keys.RateLimitKey(name),
		limit:  max(limit, 1),
		window: max(window, time.Millisecond),
	}
}

func (l *RedisWindowLimiter) Limit(ctx context.Context) (RateLimitResult, error) {
	res, err := rateLimitScript.Run(ctx, l.client, []string{l.key}, l.limit, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("failed to check rate limit %s: %w", l.key, err)
	}
	if len(res) != 2 {
		return RateLimitResult{}, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return RateLimitResult{
		Allowed:    res[0] == 1,
		ResetAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}
