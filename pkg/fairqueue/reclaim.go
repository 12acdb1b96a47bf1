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
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/cardinalhq/fairqueue/internal/logctx"
)

// runReclaimLoop returns expired leases of every shard to their queues
// every ReclaimInterval.
func (q *FairQueue) runReclaimLoop(ctx context.Context) error {
	ll := q.logger.With(slog.String("loop", "reclaim"))
	ctx = logctx.WithLogger(ctx, ll)
	for {
		if !sleepContext(ctx, q.opts.ReclaimInterval) {
			return nil
		}
		if _, err := q.reclaimOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ll.Error("Reclaim pass failed", slog.Any("error", err))
		}
	}
}

// reclaimOnce reclaims expired leases across all shards. Each message
// gives up its concurrency slots in the same move that requeues it.
func (q *FairQueue) reclaimOnce(ctx context.Context) (int, error) {
	ll := logctx.FromContext(ctx)
	var result *multierror.Error
	total := 0

	for shard := range q.opts.ShardCount {
		reclaimed, err := q.visibility.ReclaimTimedOut(ctx, shard, q.queueKeys, q.concurrency.ReservationKeys)
		if err != nil {
			result = multierror.Append(result, err)
		}
		for _, r := range reclaimed {
			q.telemetry.reclaimed.Add(ctx, 1, queueAttrs(r.TenantID, r.QueueID))
		}
		if len(reclaimed) > 0 {
			ll.Info("Reclaimed expired leases", slog.Int("shard", shard), slog.Int("count", len(reclaimed)))
		}
		total += len(reclaimed)
	}
	return total, result.ErrorOrNil()
}
