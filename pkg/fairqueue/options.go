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
	"log/slog"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RetryOptions configure what FailMessage does. With DeadLetterQueue off,
// messages that exhaust their retries are discarded.
type RetryOptions struct {
	Strategy        RetryStrategy
	DeadLetterQueue bool
}

// WorkerQueueOptions configure routing. Resolve is required and returns the
// worker queue a message is pushed to once claimed.
type WorkerQueueOptions struct {
	Resolve func(msg StoredMessage) string
}

type Options struct {
	// ShardCount is the number of master queue partitions.
	ShardCount int
	// ConsumerCount is the number of consumer loops run per shard.
	ConsumerCount int
	// ConsumerInterval is how long a consumer loop idles when a tick
	// yielded no work, and how long it backs off after an error.
	ConsumerInterval time.Duration
	// VisibilityTimeout is the lease granted by a claim and by each heartbeat.
	VisibilityTimeout time.Duration
	// HeartbeatInterval is the cadence workers should heartbeat at.
	HeartbeatInterval time.Duration
	ReclaimInterval   time.Duration
	// BatchClaimSize caps how many messages one claim may take.
	BatchClaimSize int

	PayloadSchema     PayloadSchema
	ValidateOnEnqueue bool

	Retry             RetryOptions
	ConcurrencyGroups []ConcurrencyGroupConfig
	WorkerQueue       WorkerQueueOptions
	Cooloff           CooloffOptions
	GlobalRateLimiter GlobalRateLimiter

	// Scheduler defaults to a DRRScheduler.
	Scheduler FairScheduler

	Tracer trace.Tracer
	Meter  otelmetric.Meter
	Logger *slog.Logger

	// StartConsumers makes Start run the shard consumer loops. Without it
	// Start runs only the reclaim loop, which suits producer processes.
	StartConsumers bool

	KeyPrefix          string
	DescriptorCacheTTL time.Duration
	// ConsumerID names this process in logs and scheduler calls. Generated
	// when empty.
	ConsumerID string
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns Options with every tunable set. WorkerQueue.Resolve
// still has to be provided.
func DefaultOptions() Options {
	return Options{
		ShardCount:         1,
		ConsumerCount:      1,
		ConsumerInterval:   100 * time.Millisecond,
		VisibilityTimeout:  30 * time.Second,
		HeartbeatInterval:  10 * time.Second,
		ReclaimInterval:    5 * time.Second,
		BatchClaimSize:     10,
		Retry:              RetryOptions{Strategy: ExponentialBackoff{Base: time.Second, Cap: 5 * time.Minute, Jitter: 0.2, MaxAttempts: 5}, DeadLetterQueue: true},
		Cooloff:            CooloffOptions{Enabled: true, Threshold: 10, Period: 10 * time.Second, MaxStatesSize: 1000},
		StartConsumers:     true,
		KeyPrefix:          DefaultKeyPrefix,
		DescriptorCacheTTL: 5 * time.Minute,
	}
}

// withDefaults fills zero durations and sizes, and rejects values that
// cannot work. ShardCount has no default: it fixes queue placement, so it
// must be chosen explicitly.
func (o Options) withDefaults() (Options, error) {
	if o.WorkerQueue.Resolve == nil {
		return o, ErrMissingWorkerQueueResolver
	}
	if o.ShardCount <= 0 {
		return o, invalidOption("shard count must be positive, got %d", o.ShardCount)
	}
	if o.ConsumerCount < 0 {
		return o, invalidOption("consumer count must be positive, got %d", o.ConsumerCount)
	}
	if o.BatchClaimSize < 0 {
		return o, invalidOption("batch claim size must be positive, got %d", o.BatchClaimSize)
	}
	def := DefaultOptions()
	if o.ConsumerCount == 0 {
		o.ConsumerCount = def.ConsumerCount
	}
	if o.ConsumerInterval <= 0 {
		o.ConsumerInterval = def.ConsumerInterval
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = def.VisibilityTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = o.VisibilityTimeout / 3
	}
	if o.HeartbeatInterval >= o.VisibilityTimeout {
		return o, invalidOption("heartbeat interval %s must be shorter than visibility timeout %s", o.HeartbeatInterval, o.VisibilityTimeout)
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = def.ReclaimInterval
	}
	if o.BatchClaimSize == 0 {
		o.BatchClaimSize = def.BatchClaimSize
	}
	if o.Retry.Strategy == nil {
		o.Retry.Strategy = def.Retry.Strategy
	}
	if o.Cooloff.Enabled {
		if o.Cooloff.Threshold <= 0 {
			o.Cooloff.Threshold = def.Cooloff.Threshold
		}
		if o.Cooloff.Period <= 0 {
			o.Cooloff.Period = def.Cooloff.Period
		}
		if o.Cooloff.MaxStatesSize <= 0 {
			o.Cooloff.MaxStatesSize = def.Cooloff.MaxStatesSize
		}
	}
	if o.ValidateOnEnqueue && o.PayloadSchema == nil {
		return o, invalidOption("payload validation enabled without a schema")
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = def.KeyPrefix
	}
	if o.DescriptorCacheTTL <= 0 {
		o.DescriptorCacheTTL = def.DescriptorCacheTTL
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}
