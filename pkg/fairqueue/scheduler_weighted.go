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
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// WeightedScheduler shuffles tenants at random, weighting each by how long
// its oldest due message has waited. Shared-nothing consumers racing on
// the same shard thus tend to start on different tenants, while starved
// tenants still float to the front.
type WeightedScheduler struct {
	client redis.UniversalClient
	limit  int64
	now    func() time.Time
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

var _ FairScheduler = (*WeightedScheduler)(nil)

func NewWeightedScheduler(client redis.UniversalClient, seed uint64, now func() time.Time, logger *slog.Logger) *WeightedScheduler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeightedScheduler{
		client: client,
		limit:  defaultSelectLimit,
		now:    now,
		logger: logger.With("component", "weighted-scheduler"),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (s *WeightedScheduler) SelectQueues(ctx context.Context, masterQueueKey, _ string, sc SchedulerContext) ([]TenantQueues, error) {
	nowMs := toMillis(s.now())
	backlogs, orphans, err := dueBacklogs(ctx, s.client, masterQueueKey, nowMs, s.limit, sc, s.logger)
	if err != nil {
		return nil, err
	}
	eligible := backlogs[:0]
	for _, b := range backlogs {
		if !tenantSaturated(ctx, sc, b.tenantID) {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) <= 1 {
		return toSelections(eligible, orphans), nil
	}

	weights := make([]float64, len(eligible))
	for i, b := range eligible {
		// +1 keeps a just-enqueued tenant selectable.
		weights[i] = float64(max(nowMs-b.oldest, 0) + 1)
	}

	s.mu.Lock()
	w := sampleuv.NewWeighted(weights, s.rng)
	ordered := make([]*tenantBacklog, 0, len(eligible))
	for range eligible {
		idx, ok := w.Take()
		if !ok {
			break
		}
		ordered = append(ordered, eligible[idx])
	}
	s.mu.Unlock()

	return toSelections(ordered, orphans), nil
}
