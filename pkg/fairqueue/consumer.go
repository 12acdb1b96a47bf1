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
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/fairqueue/internal/logctx"
)

// workYield is how long a consumer loop pauses after a tick that did work.
const workYield = 5 * time.Millisecond

// runConsumerLoop serves one shard until ctx is done. Errors from a tick
// are logged and the loop backs off for ConsumerInterval.
func (q *FairQueue) runConsumerLoop(ctx context.Context, shard, n int) error {
	consumerID := fmt.Sprintf("%s/%d/%d", q.consumerID, shard, n)
	ll := q.logger.With(slog.Int("shard", shard), slog.String("loopID", consumerID))
	ctx = logctx.WithLogger(ctx, ll)
	masterKey := q.keys.MasterQueueKey(shard)

	ll.Debug("Consumer loop started")
	defer ll.Debug("Consumer loop stopped")

	for {
		claimed, err := q.processShard(ctx, masterKey, consumerID)
		wait := q.opts.ConsumerInterval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			ll.Error("Consumer tick failed", slog.Any("error", err))
		case claimed > 0:
			wait = workYield
		}
		if !sleepContext(ctx, wait) {
			return nil
		}
	}
}

// processShard runs one scheduling tick over a shard and returns how many
// messages were routed to worker queues.
func (q *FairQueue) processShard(ctx context.Context, masterKey, consumerID string) (int, error) {
	selections, err := q.scheduler.SelectQueues(ctx, masterKey, consumerID, schedulerContext{q: q})
	if err != nil {
		return 0, fmt.Errorf("failed to select queues: %w", err)
	}

	saturated := mapset.NewThreadUnsafeSet[string]()
	total := 0
	for _, sel := range selections {
		for _, queueID := range sel.Queues {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if sel.TenantID == UnknownTenant {
				if _, err := q.processQueue(ctx, queueID, consumerID); err != nil {
					return total, err
				}
				continue
			}
			if saturated.Contains(sel.TenantID) {
				break
			}
			full, err := q.tenantAtCapacity(ctx, sel.TenantID)
			if err != nil {
				return total, err
			}
			if full {
				saturated.Add(sel.TenantID)
				break
			}
			n, err := q.processQueue(ctx, queueID, consumerID)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (q *FairQueue) tenantAtCapacity(ctx context.Context, tenantID string) (bool, error) {
	if !q.concurrency.HasGroup(TenantGroup) {
		return false, nil
	}
	return q.concurrency.IsAtCapacity(ctx, TenantGroup, tenantID)
}

// processQueue claims what a queue's capacity allows, reserves a
// concurrency slot per message and routes the reserved ones.
func (q *FairQueue) processQueue(ctx context.Context, queueID, consumerID string) (int, error) {
	ll := logctx.FromContext(ctx)
	if q.cooloff.InCooloff(queueID) {
		return 0, nil
	}

	desc, err := q.QueueDescriptor(ctx, queueID)
	if errors.Is(err, ErrQueueNotFound) {
		removed, err := q.master.RemoveQueueIfEmpty(ctx, queueID)
		if err != nil {
			return 0, err
		}
		if removed {
			q.forgetQueue(queueID)
		} else {
			ll.Warn("Queue has messages but no descriptor", slog.String("queueID", queueID))
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	available, err := q.concurrency.AvailableCapacity(ctx, desc)
	if err != nil {
		return 0, err
	}
	if available <= 0 {
		q.cooloff.RecordBlocked(queueID)
		return 0, nil
	}
	maxClaim := min(q.opts.BatchClaimSize, available)

	if err := q.waitForRateLimit(ctx); err != nil {
		return 0, err
	}

	claimed, err := q.claim(ctx, desc, consumerID, maxClaim)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		removed, err := q.master.RemoveQueueIfEmpty(ctx, queueID)
		if err != nil {
			return 0, err
		}
		if removed {
			q.forgetQueue(queueID)
		}
		return 0, nil
	}
	q.cooloff.Reset(queueID)

	reserved := make([]StoredMessage, 0, len(claimed))
	for i, msg := range claimed {
		ok, err := q.concurrency.Reserve(ctx, msg.Descriptor(), msg.ID)
		if err != nil || !ok {
			if err != nil {
				ll.Error("Failed to reserve concurrency", slog.String("messageID", msg.ID), slog.Any("error", err))
			}
			rest := claimed[i:]
			q.telemetry.reserveRejected.Add(ctx, int64(len(rest)), queueAttrs(desc.TenantID, queueID))
			q.putBack(ctx, rest, false)
			break
		}
		reserved = append(reserved, msg)
	}
	if len(reserved) == 0 {
		return 0, nil
	}

	tokens := make(map[string][]string)
	for i := range reserved {
		msg := &reserved[i]
		if msg.WorkerQueue == "" {
			msg.WorkerQueue = q.opts.WorkerQueue.Resolve(*msg)
		}
		tokens[msg.WorkerQueue] = append(tokens[msg.WorkerQueue], MessageKey(msg.ID, msg.QueueID))
	}
	if err := q.workerQueues.PushBatch(ctx, tokens); err != nil {
		q.putBack(ctx, reserved, true)
		return 0, err
	}

	if rec, ok := q.scheduler.(ProcessedRecorder); ok {
		if err := rec.RecordProcessedBatch(ctx, desc.TenantID, queueID, len(reserved)); err != nil {
			ll.Warn("Failed to record processed messages", slog.String("queueID", queueID), slog.Any("error", err))
		}
	}
	q.telemetry.claimed.Add(ctx, int64(len(reserved)), queueAttrs(desc.TenantID, queueID))
	return len(reserved), nil
}

func (q *FairQueue) claim(ctx context.Context, desc QueueDescriptor, consumerID string, maxClaim int) ([]StoredMessage, error) {
	ctx, span := q.telemetry.tracer.Start(ctx, "fairqueue.claim", trace.WithAttributes(
		attribute.String("queue_id", desc.ID),
		attribute.String("tenant_id", desc.TenantID),
		attribute.Int("max_claim", maxClaim),
	))
	defer span.End()

	qk := q.queueKeys(desc.ID)
	claimed, err := q.visibility.ClaimBatch(ctx, desc.ID, qk.Queue, qk.Items, consumerID, maxClaim, q.opts.VisibilityTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("claimed", len(claimed)))
	q.telemetry.claimBatch.Record(ctx, int64(len(claimed)), queueAttrs(desc.TenantID, desc.ID))
	return claimed, nil
}

// putBack returns claimed messages to pending at their enqueue timestamp
// so they keep their place in the queue. Reserved messages give up their
// slots in the same move. Failures are left to the reclaim loop.
func (q *FairQueue) putBack(ctx context.Context, msgs []StoredMessage, reserved bool) {
	ll := logctx.FromContext(ctx)
	for _, msg := range msgs {
		qk := q.queueKeys(msg.QueueID)
		var slots []string
		if reserved {
			slots = q.concurrency.ReservationKeys(msg.Descriptor())
		}
		if _, err := q.visibility.Release(ctx, msg.ID, msg.QueueID, qk.Queue, qk.Items, qk.Master, fromMillis(msg.Timestamp), nil, slots...); err != nil {
			ll.Error("Failed to put back claimed message", slog.String("messageID", msg.ID), slog.Any("error", err))
			continue
		}
		q.telemetry.released.Add(ctx, 1, queueAttrs(msg.TenantID, msg.QueueID))
	}
}

// waitForRateLimit blocks until the global rate limiter allows a claim.
func (q *FairQueue) waitForRateLimit(ctx context.Context) error {
	limiter := q.opts.GlobalRateLimiter
	if limiter == nil {
		return nil
	}
	for {
		res, err := limiter.Limit(ctx)
		if err != nil {
			return err
		}
		if res.Allowed {
			return nil
		}
		if !sleepContext(ctx, res.ResetAfter) {
			return ctx.Err()
		}
	}
}

// sleepContext waits for d or until ctx is done, returning false in the
// latter case.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
