//go:build redistest

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
	"os"
	"testing"
	"time"

	"github.com/orlangure/gnomock"
	redispreset "github.com/orlangure/gnomock/preset/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedRedisAddr points at a real Redis started once for the package.
var sharedRedisAddr string

func TestMain(m *testing.M) {
	container, err := gnomock.Start(redispreset.Preset(redispreset.WithVersion("7.2")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start Redis container: %v\n", err)
		os.Exit(1)
	}
	sharedRedisAddr = container.DefaultAddress()

	code := m.Run()

	if err := gnomock.Stop(container); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to stop Redis container: %v\n", err)
	}
	os.Exit(code)
}

func newRealRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: sharedRedisAddr})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// The embedded scripts run on a real server, not only on the Lua engine
// miniredis embeds.
func TestRealRedis_RoundTrip(t *testing.T) {
	client := newRealRedis(t)
	opts := DefaultOptions()
	opts.ShardCount = 4
	opts.ConsumerInterval = 10 * time.Millisecond
	opts.VisibilityTimeout = 2 * time.Second
	opts.ReclaimInterval = 100 * time.Millisecond
	opts.Retry.Strategy = FixedDelay{Delay: 50 * time.Millisecond, MaxAttempts: 2}
	opts.ConcurrencyGroups = []ConcurrencyGroupConfig{TenantConcurrency(2)}
	opts.WorkerQueue.Resolve = routeToDefault
	q, err := New(client, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	ctx := context.Background()
	for i := range 6 {
		_, err := q.Enqueue(ctx, EnqueueOptions{
			QueueID:  fmt.Sprintf("q%d", i%3),
			TenantID: fmt.Sprintf("t%d", i%2),
			Payload:  map[string]int{"i": i},
		})
		require.NoError(t, err)
	}
	require.NoError(t, q.Start(ctx))

	handled := map[string]int{}
	completed := 0
	deadline := time.Now().Add(20 * time.Second)
	for completed < 6 && time.Now().Before(deadline) {
		token, err := q.WorkerQueues().BlockingPop(ctx, "default", time.Second)
		require.NoError(t, err)
		if token == "" {
			continue
		}
		id, queueID, err := ParseMessageKey(token)
		require.NoError(t, err)
		msg, err := q.MessageData(ctx, id, queueID)
		require.NoError(t, err)

		ok, err := q.HeartbeatMessage(ctx, id, queueID)
		require.NoError(t, err)
		assert.True(t, ok)

		handled[id]++
		if msg.Attempt == 1 {
			require.NoError(t, q.FailMessage(ctx, id, queueID, fmt.Errorf("first attempt")))
			continue
		}
		require.NoError(t, q.CompleteMessage(ctx, id, queueID))
		completed++
	}
	require.Equal(t, 6, completed)
	require.Len(t, handled, 6)
	for id, n := range handled {
		assert.Equal(t, 2, n, "message %s", id)
	}

	require.Eventually(t, func() bool {
		total, err := q.TotalQueueCount(ctx)
		if err != nil || total != 0 {
			return false
		}
		inflight, err := q.TotalInflightCount(ctx)
		return err == nil && inflight == 0
	}, 5*time.Second, 50*time.Millisecond)
}
