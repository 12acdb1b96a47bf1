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

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

func newRunningQueue(t *testing.T) *fairqueue.FairQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := fairqueue.DefaultOptions()
	opts.ConsumerInterval = 10 * time.Millisecond
	opts.Retry.Strategy = fairqueue.NoRetry{}
	opts.WorkerQueue.Resolve = func(fairqueue.StoredMessage) string { return "jobs" }
	q, err := fairqueue.New(client, opts)
	require.NoError(t, err)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func runPool(t *testing.T, q *fairqueue.FairQueue, handler Handler) {
	t.Helper()
	pool, err := NewPool(q, Config{WorkerQueue: "jobs", Concurrency: 2, PopTimeout: time.Second}, handler, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker pool did not stop")
		}
	})
}

func enqueue(t *testing.T, q *fairqueue.FairQueue, tenantID string, payload any) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), fairqueue.EnqueueOptions{
		QueueID:  tenantID + "/work",
		TenantID: tenantID,
		Payload:  payload,
	})
	require.NoError(t, err)
	return id
}

func TestNewPool_Validation(t *testing.T) {
	q := newRunningQueue(t)
	_, err := NewPool(q, Config{}, func(context.Context, *Item) error { return nil }, nil)
	assert.Error(t, err)
	_, err = NewPool(q, Config{WorkerQueue: "jobs"}, nil, nil)
	assert.Error(t, err)

	pool, err := NewPool(q, Config{WorkerQueue: "jobs"}, func(context.Context, *Item) error { return nil }, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, pool.ID())
	assert.Equal(t, q.HeartbeatInterval(), pool.cfg.HeartbeatInterval)
}

func TestPool_CompletesHandledMessages(t *testing.T) {
	q := newRunningQueue(t)
	var mu sync.Mutex
	seen := map[string]int{}
	runPool(t, q, func(ctx context.Context, item *Item) error {
		mu.Lock()
		defer mu.Unlock()
		seen[item.ID()] = item.Attempt()
		return nil
	})

	ids := []string{enqueue(t, q, "a", 1), enqueue(t, q, "b", 2), enqueue(t, q, "a", 3)}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		inflight, err := q.TotalInflightCount(ctx)
		return n == 3 && err == nil && inflight == 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, seen[id])
	}
}

func TestPool_FailedMessagesAreDeadLettered(t *testing.T) {
	q := newRunningQueue(t)
	runPool(t, q, func(ctx context.Context, item *Item) error {
		return errors.New("cannot handle")
	})
	id := enqueue(t, q, "a", 1)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := q.DeadLetterQueueLength(ctx, "a")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)

	dls, err := q.DeadLetterMessages(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].ID)
	assert.Equal(t, "cannot handle", dls[0].LastError)
}

func TestPool_PanicFailsMessage(t *testing.T) {
	q := newRunningQueue(t)
	runPool(t, q, func(ctx context.Context, item *Item) error {
		panic("boom")
	})
	enqueue(t, q, "a", 1)

	require.Eventually(t, func() bool {
		n, err := q.DeadLetterQueueLength(context.Background(), "a")
		return err == nil && n == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPool_HandlerMaySettleItself(t *testing.T) {
	q := newRunningQueue(t)
	settled := make(chan error, 1)
	runPool(t, q, func(ctx context.Context, item *Item) error {
		settled <- item.Complete(ctx)
		return errors.New("ignored after settling")
	})
	enqueue(t, q, "a", 1)

	select {
	case err := <-settled:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		inflight, err := q.TotalInflightCount(ctx)
		return err == nil && inflight == 0
	}, 5*time.Second, 10*time.Millisecond)
	n, err := q.DeadLetterQueueLength(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPool_StaleTokenIsDropped(t *testing.T) {
	q := newRunningQueue(t)
	called := make(chan struct{}, 1)
	runPool(t, q, func(ctx context.Context, item *Item) error {
		called <- struct{}{}
		return nil
	})

	require.NoError(t, q.WorkerQueues().Push(context.Background(), "jobs", fairqueue.MessageKey("missing", "a/work")))
	select {
	case <-called:
		t.Fatal("handler ran for a message that is not in flight")
	case <-time.After(200 * time.Millisecond):
	}
}
