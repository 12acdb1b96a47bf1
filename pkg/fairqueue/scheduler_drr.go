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
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DRRScheduler orders tenants by deficit round robin. Every tick each
// tenant with due work is credited Quantum (capped at MaxDeficit), tenants
// are served highest deficit first, and processed messages are charged
// back against the deficit. Deficits live in one Redis hash so every
// process shares the same accounting.
type DRRScheduler struct {
	client     redis.UniversalClient
	keys       KeyProducer
	quantum    int
	maxDeficit int
	limit      int64
	now        func() time.Time
	logger     *slog.Logger
}

var (
	_ FairScheduler     = (*DRRScheduler)(nil)
	_ ProcessedRecorder = (*DRRScheduler)(nil)
)

type DRROption func(*DRRScheduler)

func WithDRRQuantum(quantum int) DRROption {
	return func(s *DRRScheduler) {
		if quantum > 0 {
			s.quantum = quantum
		}
	}
}

func WithDRRMaxDeficit(maxDeficit int) DRROption {
	return func(s *DRRScheduler) {
		if maxDeficit > 0 {
			s.maxDeficit = maxDeficit
		}
	}
}

// WithDRRSelectLimit bounds how many due queues are read per tick.
func WithDRRSelectLimit(limit int) DRROption {
	return func(s *DRRScheduler) {
		if limit > 0 {
			s.limit = int64(limit)
		}
	}
}

func WithDRRNowFunc(now func() time.Time) DRROption {
	return func(s *DRRScheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithDRRLogger(logger *slog.Logger) DRROption {
	return func(s *DRRScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewDRRScheduler(client redis.UniversalClient, keys KeyProducer, opts ...DRROption) *DRRScheduler {
	s := &DRRScheduler{
		client:     client,
		keys:       keys,
		quantum:    10,
		maxDeficit: 50,
		limit:      defaultSelectLimit,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.maxDeficit = max(s.maxDeficit, s.quantum)
	s.logger = s.logger.With("component", "drr-scheduler")
	return s
}

func (s *DRRScheduler) SelectQueues(ctx context.Context, masterQueueKey, consumerID string, sc SchedulerContext) ([]TenantQueues, error) {
	backlogs, orphans, err := dueBacklogs(ctx, s.client, masterQueueKey, toMillis(s.now()), s.limit, sc, s.logger)
	if err != nil {
		return nil, err
	}
	backlogs = slices.DeleteFunc(backlogs, func(b *tenantBacklog) bool {
		return tenantSaturated(ctx, sc, b.tenantID)
	})
	if len(backlogs) == 0 {
		return toSelections(nil, orphans), nil
	}

	args := make([]any, 0, len(backlogs)+2)
	args = append(args, s.quantum, s.maxDeficit)
	for _, b := range backlogs {
		args = append(args, b.tenantID)
	}
	res, err := drrCreditScript.Run(ctx, s.client, []string{s.keys.DeficitKey()}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to credit tenant deficits: %w", err)
	}

	deficits := make(map[string]float64, len(backlogs))
	for i, b := range backlogs {
		if i < len(res) {
			d, _ := strconv.ParseFloat(res[i], 64)
			deficits[b.tenantID] = d
		}
	}
	slices.SortStableFunc(backlogs, func(a, b *tenantBacklog) int {
		if c := cmp.Compare(deficits[b.tenantID], deficits[a.tenantID]); c != 0 {
			return c
		}
		return cmp.Compare(a.oldest, b.oldest)
	})
	return toSelections(backlogs, orphans), nil
}

func (s *DRRScheduler) RecordProcessed(ctx context.Context, tenantID, queueID string) error {
	return s.RecordProcessedBatch(ctx, tenantID, queueID, 1)
}

func (s *DRRScheduler) RecordProcessedBatch(ctx context.Context, tenantID, _ string, count int) error {
	if count <= 0 {
		return nil
	}
	if err := drrConsumeScript.Run(ctx, s.client, []string{s.keys.DeficitKey()}, tenantID, count).Err(); err != nil {
		return fmt.Errorf("failed to charge deficit for tenant %s: %w", tenantID, err)
	}
	return nil
}

// Deficit returns a tenant's current deficit.
func (s *DRRScheduler) Deficit(ctx context.Context, tenantID string) (float64, error) {
	v, err := s.client.HGet(ctx, s.keys.DeficitKey(), tenantID).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read deficit for tenant %s: %w", tenantID, err)
	}
	return v, nil
}
