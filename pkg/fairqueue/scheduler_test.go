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

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSchedulerContext serves descriptors from a map and reports the
// listed tenants as saturated.
type fakeSchedulerContext struct {
	descriptors map[string]QueueDescriptor
	saturated   map[string]bool
}

func (f *fakeSchedulerContext) CurrentConcurrency(context.Context, string, string) (int, error) {
	return 0, nil
}

func (f *fakeSchedulerContext) ConcurrencyLimit(context.Context, string, string) (int, error) {
	return Unlimited, nil
}

func (f *fakeSchedulerContext) IsAtCapacity(_ context.Context, group, id string) (bool, error) {
	return group == TenantGroup && f.saturated[id], nil
}

func (f *fakeSchedulerContext) QueueDescriptor(_ context.Context, queueID string) (QueueDescriptor, error) {
	d, ok := f.descriptors[queueID]
	if !ok {
		return QueueDescriptor{}, ErrQueueNotFound
	}
	return d, nil
}

type schedulerFixture struct {
	client    redis.UniversalClient
	clock     *testClock
	sc        *fakeSchedulerContext
	keys      KeyProducer
	masterKey string
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	_, client := newTestRedis(t)
	keys := NewKeyProducer("fq")
	return &schedulerFixture{
		client:    client,
		clock:     newTestClock(),
		sc:        &fakeSchedulerContext{descriptors: map[string]QueueDescriptor{}, saturated: map[string]bool{}},
		keys:      keys,
		masterKey: keys.MasterQueueKey(0),
	}
}

// add registers a queue whose oldest message is age old.
func (f *schedulerFixture) add(t *testing.T, queueID, tenantID string, age time.Duration) {
	t.Helper()
	f.sc.descriptors[queueID] = QueueDescriptor{ID: queueID, TenantID: tenantID}
	score := float64(toMillis(f.clock.Now().Add(-age)))
	require.NoError(t, f.client.ZAdd(context.Background(), f.masterKey, redisZ(score, queueID)).Err())
}

func TestDRRScheduler_OrdersByDeficit(t *testing.T) {
	f := newSchedulerFixture(t)
	ctx := context.Background()

	f.add(t, "a1", "A", 3*time.Second)
	f.add(t, "a2", "A", time.Second)
	f.add(t, "b1", "B", 2*time.Second)
	f.add(t, "c1", "C", time.Second)
	f.add(t, "future", "D", -time.Minute)
	f.add(t, "orphan", "Z", time.Second)
	delete(f.sc.descriptors, "orphan")

	require.NoError(t, f.client.HSet(ctx, f.keys.DeficitKey(), "A", "0", "B", "30", "C", "5").Err())

	s := NewDRRScheduler(f.client, f.keys, WithDRRQuantum(10), WithDRRMaxDeficit(35), WithDRRNowFunc(f.clock.Now))
	sel, err := s.SelectQueues(ctx, f.masterKey, "c", f.sc)
	require.NoError(t, err)
	assert.Equal(t, []TenantQueues{
		{TenantID: "B", Queues: []string{"b1"}},
		{TenantID: "C", Queues: []string{"c1"}},
		{TenantID: "A", Queues: []string{"a1", "a2"}},
		{TenantID: UnknownTenant, Queues: []string{"orphan"}},
	}, sel)

	d, err := s.Deficit(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, float64(35), d, "capped at max deficit")

	require.NoError(t, s.RecordProcessedBatch(ctx, "B", "b1", 50))
	d, err = s.Deficit(ctx, "B")
	require.NoError(t, err)
	assert.Zero(t, d, "never below zero")

	require.NoError(t, s.RecordProcessed(ctx, "C", "c1"))
	d, err = s.Deficit(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, float64(14), d)
}

func TestDRRScheduler_SkipsSaturatedTenants(t *testing.T) {
	f := newSchedulerFixture(t)

	f.add(t, "a1", "A", time.Second)
	f.add(t, "b1", "B", time.Second)
	f.sc.saturated["A"] = true

	s := NewDRRScheduler(f.client, f.keys, WithDRRNowFunc(f.clock.Now))
	sel, err := s.SelectQueues(context.Background(), f.masterKey, "c", f.sc)
	require.NoError(t, err)
	assert.Equal(t, []TenantQueues{{TenantID: "B", Queues: []string{"b1"}}}, sel)
}

func TestWeightedScheduler_ReturnsEveryEligibleTenant(t *testing.T) {
	f := newSchedulerFixture(t)

	f.add(t, "a1", "A", time.Hour)
	f.add(t, "b1", "B", time.Second)
	f.add(t, "b2", "B", 2*time.Second)
	f.add(t, "c1", "C", time.Minute)
	f.sc.saturated["C"] = true

	s := NewWeightedScheduler(f.client, 42, f.clock.Now, nil)
	firstA := 0
	for range 50 {
		sel, err := s.SelectQueues(context.Background(), f.masterKey, "c", f.sc)
		require.NoError(t, err)
		require.Len(t, sel, 2)
		tenants := map[string][]string{}
		for _, tq := range sel {
			tenants[tq.TenantID] = tq.Queues
		}
		assert.Equal(t, []string{"a1"}, tenants["A"])
		assert.Equal(t, []string{"b2", "b1"}, tenants["B"])
		if sel[0].TenantID == "A" {
			firstA++
		}
	}
	assert.Greater(t, firstA, 40, "the long-waiting tenant is usually first")
}
