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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketLimiter(t *testing.T) {
	clock := newTestClock()
	l := NewTokenBucketLimiter(2, 2, clock.Now)
	ctx := context.Background()

	for range 2 {
		res, err := l.Limit(ctx)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Limit(ctx)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.ResetAfter)

	clock.Advance(500 * time.Millisecond)
	res, err = l.Limit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisWindowLimiter(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	l := NewRedisWindowLimiter(client, NewKeyProducer("fq"), "claims", 2, time.Second)

	for range 2 {
		res, err := l.Limit(ctx)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Limit(ctx)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.ResetAfter)
	assert.LessOrEqual(t, res.ResetAfter, time.Second)

	mr.FastForward(time.Second)
	res, err = l.Limit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWaitForRateLimit(t *testing.T) {
	tq := newTestQueue(t, func(o *Options) {
		o.GlobalRateLimiter = NewTokenBucketLimiter(1000, 1, nil)
	})
	ctx := context.Background()
	require.NoError(t, tq.waitForRateLimit(ctx))

	start := time.Now()
	require.NoError(t, tq.waitForRateLimit(ctx))
	assert.Less(t, time.Since(start), time.Second)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	tq.opts.GlobalRateLimiter = NewTokenBucketLimiter(0.001, 1, nil)
	require.NoError(t, tq.waitForRateLimit(cancelled), "a token is still available")
	assert.ErrorIs(t, tq.waitForRateLimit(cancelled), context.Canceled)
}
