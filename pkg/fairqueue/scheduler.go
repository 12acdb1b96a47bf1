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
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// SchedulerContext is what a FairScheduler may ask the queue about while
// choosing work.
type SchedulerContext interface {
	CurrentConcurrency(ctx context.Context, group, groupID string) (int, error)
	ConcurrencyLimit(ctx context.Context, group, groupID string) (int, error)
	IsAtCapacity(ctx context.Context, group, groupID string) (bool, error)
	QueueDescriptor(ctx context.Context, queueID string) (QueueDescriptor, error)
}

// FairScheduler decides which tenants and queues of a shard the consumer
// loop examines on one tick, and in which order. Any ordering is valid;
// the consumer still enforces concurrency limits itself.
type FairScheduler interface {
	SelectQueues(ctx context.Context, masterQueueKey, consumerID string, sc SchedulerContext) ([]TenantQueues, error)
}

// ProcessedRecorder is implemented by schedulers that keep fairness
// accounting. The consumer loop calls it after every successful claim.
type ProcessedRecorder interface {
	RecordProcessed(ctx context.Context, tenantID, queueID string) error
	RecordProcessedBatch(ctx context.Context, tenantID, queueID string, count int) error
}

// defaultSelectLimit bounds how many due queues one tick reads from a shard.
const defaultSelectLimit = 1000

// tenantBacklog is the due work of one tenant in a shard, queues oldest first.
type tenantBacklog struct {
	tenantID string
	oldest   int64
	queues   []string
}

// dueBacklogs reads the due queues of a master key and groups them by
// tenant, preserving oldest-first order. Queues with no stored descriptor
// are returned as orphans; unreadable descriptors are skipped.
func dueBacklogs(ctx context.Context, client redis.UniversalClient, masterKey string, nowMs int64, limit int64, sc SchedulerContext, logger *slog.Logger) ([]*tenantBacklog, []string, error) {
	due, err := dueQueues(ctx, client, masterKey, nowMs, limit)
	if err != nil {
		return nil, nil, err
	}
	var orphans []string
	byTenant := make(map[string]*tenantBacklog)
	var order []*tenantBacklog
	for _, z := range due {
		queueID, ok := z.Member.(string)
		if !ok {
			continue
		}
		desc, err := sc.QueueDescriptor(ctx, queueID)
		if errors.Is(err, ErrQueueNotFound) {
			orphans = append(orphans, queueID)
			continue
		}
		if err != nil {
			logger.Warn("Skipping queue with unreadable descriptor", slog.String("queueID", queueID), slog.Any("error", err))
			continue
		}
		b, ok := byTenant[desc.TenantID]
		if !ok {
			b = &tenantBacklog{tenantID: desc.TenantID, oldest: int64(z.Score)}
			byTenant[desc.TenantID] = b
			order = append(order, b)
		}
		b.queues = append(b.queues, queueID)
	}
	return order, orphans, nil
}

// tenantSaturated reports whether the tenant concurrency group is full. A
// lookup error counts as not saturated; the consumer checks again before
// claiming.
func tenantSaturated(ctx context.Context, sc SchedulerContext, tenantID string) bool {
	full, err := sc.IsAtCapacity(ctx, TenantGroup, tenantID)
	return err == nil && full
}

// toSelections lists tenants in order, then the orphaned queues under
// UnknownTenant.
func toSelections(backlogs []*tenantBacklog, orphans []string) []TenantQueues {
	out := make([]TenantQueues, 0, len(backlogs)+1)
	for _, b := range backlogs {
		out = append(out, TenantQueues{TenantID: b.tenantID, Queues: b.queues})
	}
	if len(orphans) > 0 {
		out = append(out, TenantQueues{TenantID: UnknownTenant, Queues: orphans})
	}
	return out
}
