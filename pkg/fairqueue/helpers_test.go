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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_750_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type testQueue struct {
	*FairQueue
	client redis.UniversalClient
	clock  *testClock
	reader *sdkmetric.ManualReader
}

func routeToDefault(StoredMessage) string { return "default" }

// newTestQueue builds a FairQueue on miniredis with a manual clock and a
// metric reader. Consumer loops are not started; tests drive ticks
// through processShard and reclaimOnce.
func newTestQueue(t *testing.T, mutate func(*Options)) *testQueue {
	t.Helper()
	_, client := newTestRedis(t)
	clock := newTestClock()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	opts := DefaultOptions()
	opts.ShardCount = 2
	opts.Now = clock.Now
	opts.Meter = provider.Meter("test")
	opts.Retry.Strategy = NoRetry{}
	opts.WorkerQueue.Resolve = routeToDefault
	opts.ConsumerID = "test"
	if mutate != nil {
		mutate(&opts)
	}
	q, err := New(client, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return &testQueue{FairQueue: q, client: client, clock: clock, reader: reader}
}

// tick runs one consumer pass over every shard.
func (tq *testQueue) tick(t *testing.T) int {
	t.Helper()
	total := 0
	for shard := range tq.opts.ShardCount {
		n, err := tq.processShard(context.Background(), tq.keys.MasterQueueKey(shard), "test")
		require.NoError(t, err)
		total += n
	}
	return total
}

func (tq *testQueue) workerTokens(t *testing.T, workerQueue string) []string {
	t.Helper()
	tokens, err := tq.client.LRange(context.Background(), tq.keys.WorkerQueueKey(workerQueue), 0, -1).Result()
	require.NoError(t, err)
	return tokens
}

func (tq *testQueue) inMaster(t *testing.T, queueID string) bool {
	t.Helper()
	_, err := tq.client.ZScore(context.Background(), tq.master.MasterKeyForQueue(queueID), queueID).Result()
	if err == redis.Nil {
		return false
	}
	require.NoError(t, err)
	return true
}

// counter sums an int64 counter across attribute sets.
func (tq *testQueue) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, tq.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func redisZ(score float64, member string) redis.Z {
	return redis.Z{Score: score, Member: member}
}
