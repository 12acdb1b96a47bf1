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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, fairqueue.DefaultKeyPrefix, cfg.Queue.KeyPrefix)
	assert.Equal(t, 1, cfg.Queue.ShardCount)
	assert.Equal(t, "drr", cfg.Queue.Scheduler.Kind)
	assert.Equal(t, 5, cfg.Queue.Retry.MaxAttempts)
	assert.True(t, cfg.Queue.Retry.DeadLetterQueue)
	assert.Equal(t, 8090, cfg.Health.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FAIRQUEUE_REDIS_ADDRS", "redis1:6379,redis2:6379")
	t.Setenv("FAIRQUEUE_QUEUE_SHARD_COUNT", "8")
	t.Setenv("FAIRQUEUE_QUEUE_VISIBILITY_TIMEOUT", "45s")
	t.Setenv("FAIRQUEUE_QUEUE_TENANT_CONCURRENCY", "3")
	t.Setenv("FAIRQUEUE_QUEUE_SCHEDULER_KIND", "weighted")
	t.Setenv("FAIRQUEUE_WORKER_CONCURRENCY", "16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"redis1:6379", "redis2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 8, cfg.Queue.ShardCount)
	assert.Equal(t, 45*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 3, cfg.Queue.TenantConcurrency)
	assert.Equal(t, "weighted", cfg.Queue.Scheduler.Kind)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := `
queue:
  shard_count: 4
  route_by_tenant: true
  worker_queue: jobs
  schema:
    validate_on_enqueue: true
    rules:
      has_kind: 'has(payload.kind)'
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fairqueue.yaml"), []byte(yaml), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Queue.ShardCount)
	assert.True(t, cfg.Queue.RouteByTenant)
	assert.Equal(t, "jobs-acme", cfg.WorkerQueueFor("acme"))
	assert.Equal(t, map[string]string{"has_kind": "has(payload.kind)"}, cfg.Queue.Schema.Rules)
}

func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestQueueOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.TenantConcurrency = 2
	cfg.Queue.QueueConcurrency = 1
	cfg.Queue.RateLimit = RateLimitConfig{PerSecond: 50, Burst: 10}
	cfg.Queue.Schema = SchemaConfig{Rules: map[string]string{"positive": "payload.n > 0"}, ValidateOnEnqueue: true}

	opts, err := cfg.QueueOptions(testClient(t), nil)
	require.NoError(t, err)

	require.Len(t, opts.ConcurrencyGroups, 2)
	assert.Equal(t, fairqueue.TenantGroup, opts.ConcurrencyGroups[0].Name)
	assert.Equal(t, fairqueue.QueueGroup, opts.ConcurrencyGroups[1].Name)
	assert.IsType(t, &fairqueue.DRRScheduler{}, opts.Scheduler)
	assert.IsType(t, &fairqueue.TokenBucketLimiter{}, opts.GlobalRateLimiter)
	assert.IsType(t, fairqueue.ExponentialBackoff{}, opts.Retry.Strategy)
	assert.True(t, opts.ValidateOnEnqueue)
	require.NotNil(t, opts.PayloadSchema)
	assert.Equal(t, "default", opts.WorkerQueue.Resolve(fairqueue.StoredMessage{TenantID: "t"}))

	q, err := fairqueue.New(testClient(t), opts)
	require.NoError(t, err)
	require.NoError(t, q.Close())
}

func TestQueueOptions_Variants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Scheduler.Kind = "weighted"
	cfg.Queue.Retry.MaxAttempts = 1
	cfg.Queue.RateLimit = RateLimitConfig{PerSecond: 5, Shared: true}

	opts, err := cfg.QueueOptions(testClient(t), nil)
	require.NoError(t, err)
	assert.IsType(t, &fairqueue.WeightedScheduler{}, opts.Scheduler)
	assert.IsType(t, fairqueue.NoRetry{}, opts.Retry.Strategy)
	assert.IsType(t, &fairqueue.RedisWindowLimiter{}, opts.GlobalRateLimiter)

	cfg.Queue.Scheduler.Kind = "lottery"
	_, err = cfg.QueueOptions(testClient(t), nil)
	assert.Error(t, err)

	cfg.Queue.Scheduler.Kind = "drr"
	cfg.Queue.Schema.Rules = map[string]string{"broken": "payload.("}
	_, err = cfg.QueueOptions(testClient(t), nil)
	assert.Error(t, err)
}
