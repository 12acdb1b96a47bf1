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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"
	otelmetric "go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/fairqueue/internal/idgen"
)

// FairQueue is a multi-tenant work queue on Redis. Producers Enqueue
// messages into queues owned by tenants; consumer loops, one set per
// shard, fairly pick queues, claim messages under concurrency limits and
// route them to worker queues; workers report back through the message
// lifecycle methods.
type FairQueue struct {
	client       redis.UniversalClient
	opts         Options
	keys         KeyProducer
	master       *MasterQueue
	concurrency  *ConcurrencyManager
	visibility   *VisibilityManager
	workerQueues *WorkerQueueManager
	scheduler    FairScheduler
	cooloff      *cooloffTracker
	descriptors  *ttlcache.Cache[string, QueueDescriptor]
	ids          *idgen.ULIDGenerator
	telemetry    *telemetry
	logger       *slog.Logger
	consumerID   string

	mu        sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    bool
	gaugeRegs []otelmetric.Registration
}

// New builds a FairQueue. It does not start any loops; call Start.
func New(client redis.UniversalClient, opts Options) (*FairQueue, error) {
	if client == nil {
		return nil, invalidOption("redis client is required")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	keys := NewKeyProducer(opts.KeyPrefix)
	logger := opts.Logger.With("component", "fairqueue")
	master := NewMasterQueue(client, keys, opts.ShardCount)
	concurrency, err := NewConcurrencyManager(client, keys, opts.ConcurrencyGroups)
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry(opts.Meter, opts.Tracer)
	if err != nil {
		return nil, err
	}

	consumerID := opts.ConsumerID
	if consumerID == "" {
		consumerID = idgen.DefaultFlakeGenerator.NextInstanceID("consumer")
	}

	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = NewDRRScheduler(client, keys, WithDRRNowFunc(opts.Now), WithDRRLogger(opts.Logger))
	}

	q := &FairQueue{
		client:       client,
		opts:         opts,
		keys:         keys,
		master:       master,
		concurrency:  concurrency,
		visibility:   NewVisibilityManager(client, keys, master, opts.Now, opts.Logger),
		workerQueues: NewWorkerQueueManager(client, keys),
		scheduler:    scheduler,
		cooloff:      newCooloffTracker(opts.Cooloff, opts.Now),
		descriptors: ttlcache.New(
			ttlcache.WithTTL[string, QueueDescriptor](opts.DescriptorCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, QueueDescriptor](),
		),
		ids:        idgen.NewULIDGenerator(),
		telemetry:  tel,
		logger:     logger.With(slog.String("consumerID", consumerID)),
		consumerID: consumerID,
	}
	go q.descriptors.Start()
	return q, nil
}

// Start launches the reclaim loop and, when StartConsumers is set,
// ConsumerCount consumer loops per shard. The loops run until Stop or
// until ctx is cancelled.
func (q *FairQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("fairqueue: closed")
	}
	if q.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	if q.opts.StartConsumers {
		for shard := range q.opts.ShardCount {
			for n := range q.opts.ConsumerCount {
				g.Go(func() error {
					return q.runConsumerLoop(gctx, shard, n)
				})
			}
		}
	}
	g.Go(func() error {
		return q.runReclaimLoop(gctx)
	})

	q.cancel = cancel
	q.group = g
	q.logger.Info("Started fair queue",
		slog.Int("shards", q.opts.ShardCount),
		slog.Int("consumersPerShard", q.opts.ConsumerCount),
		slog.Bool("consumers", q.opts.StartConsumers))
	return nil
}

// Stop cancels every loop and waits for them to return, or for ctx to be
// done. Start may be called again afterwards.
func (q *FairQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel, g := q.cancel, q.group
	q.cancel, q.group = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		q.logger.Info("Stopped fair queue")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fairqueue: waiting for loops to stop: %w", ctx.Err())
	}
}

// Close stops the loops and releases in-process resources. The Redis
// client is owned by the caller and left open.
func (q *FairQueue) Close() error {
	var result *multierror.Error
	if err := q.Stop(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return result.ErrorOrNil()
	}
	q.closed = true
	regs := q.gaugeRegs
	q.gaugeRegs = nil
	q.mu.Unlock()

	for _, reg := range regs {
		if err := reg.Unregister(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to unregister gauges: %w", err))
		}
	}
	if closer, ok := q.scheduler.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close scheduler: %w", err))
		}
	}
	q.descriptors.Stop()
	return result.ErrorOrNil()
}

// HeartbeatInterval is how often workers should renew a lease.
func (q *FairQueue) HeartbeatInterval() time.Duration {
	return q.opts.HeartbeatInterval
}

func (q *FairQueue) ConsumerID() string {
	return q.consumerID
}

func (q *FairQueue) Keys() KeyProducer {
	return q.keys
}

// WorkerQueues exposes the worker queue manager for in-process workers.
func (q *FairQueue) WorkerQueues() *WorkerQueueManager {
	return q.workerQueues
}

func (q *FairQueue) ShardForQueue(queueID string) int {
	return q.master.ShardForQueue(queueID)
}

// QueueLength counts the pending messages of a queue, due or not.
func (q *FairQueue) QueueLength(ctx context.Context, queueID string) (int64, error) {
	n, err := q.client.ZCard(ctx, q.keys.QueueKey(queueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of queue %s: %w", queueID, err)
	}
	return n, nil
}

func (q *FairQueue) TotalQueueCount(ctx context.Context) (int64, error) {
	return q.master.TotalQueueCount(ctx)
}

func (q *FairQueue) TotalInflightCount(ctx context.Context) (int64, error) {
	var total int64
	for shard := range q.opts.ShardCount {
		n, err := q.visibility.InflightCount(ctx, shard)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ShardStats is the backlog of one shard.
type ShardStats struct {
	Shard    int
	Queues   int64
	Inflight int64
}

func (q *FairQueue) ShardStats(ctx context.Context) ([]ShardStats, error) {
	out := make([]ShardStats, q.opts.ShardCount)
	for shard := range q.opts.ShardCount {
		queues, err := q.master.ShardQueueCount(ctx, shard)
		if err != nil {
			return nil, err
		}
		inflight, err := q.visibility.InflightCount(ctx, shard)
		if err != nil {
			return nil, err
		}
		out[shard] = ShardStats{Shard: shard, Queues: queues, Inflight: inflight}
	}
	return out, nil
}

// Concurrency exposes the configured concurrency groups for inspection.
func (q *FairQueue) Concurrency() *ConcurrencyManager {
	return q.concurrency
}

func (q *FairQueue) QueueDescriptorCacheSize() int {
	return q.descriptors.Len()
}

func (q *FairQueue) QueueCooloffStatesSize() int {
	return q.cooloff.Size()
}

func (q *FairQueue) queueKeys(queueID string) QueueKeys {
	return QueueKeys{
		Queue:  q.keys.QueueKey(queueID),
		Items:  q.keys.QueueItemsKey(queueID),
		Master: q.master.MasterKeyForQueue(queueID),
	}
}

// QueueDescriptor returns the descriptor of a queue, from cache when
// possible. The stored copy is written by every enqueue.
func (q *FairQueue) QueueDescriptor(ctx context.Context, queueID string) (QueueDescriptor, error) {
	if item := q.descriptors.Get(queueID); item != nil {
		return item.Value(), nil
	}
	raw, err := q.client.Get(ctx, q.keys.QueueDescriptorKey(queueID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return QueueDescriptor{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queueID)
	}
	if err != nil {
		return QueueDescriptor{}, fmt.Errorf("failed to load descriptor of queue %s: %w", queueID, err)
	}
	desc, err := decodeDescriptor(raw)
	if err != nil {
		return QueueDescriptor{}, fmt.Errorf("failed to decode descriptor of queue %s: %w", queueID, err)
	}
	q.descriptors.Set(queueID, desc, ttlcache.DefaultTTL)
	return desc, nil
}

func (q *FairQueue) forgetQueue(queueID string) {
	q.descriptors.Delete(queueID)
	q.cooloff.Forget(queueID)
}

// schedulerContext is the SchedulerContext handed to the scheduler.
type schedulerContext struct {
	q *FairQueue
}

var _ SchedulerContext = schedulerContext{}

func (s schedulerContext) CurrentConcurrency(ctx context.Context, group, groupID string) (int, error) {
	return s.q.concurrency.CurrentConcurrency(ctx, group, groupID)
}

func (s schedulerContext) ConcurrencyLimit(ctx context.Context, group, groupID string) (int, error) {
	return s.q.concurrency.ConcurrencyLimit(ctx, group, groupID)
}

func (s schedulerContext) IsAtCapacity(ctx context.Context, group, groupID string) (bool, error) {
	return s.q.concurrency.IsAtCapacity(ctx, group, groupID)
}

func (s schedulerContext) QueueDescriptor(ctx context.Context, queueID string) (QueueDescriptor, error) {
	return s.q.QueueDescriptor(ctx, queueID)
}
