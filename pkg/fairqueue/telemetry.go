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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/cardinalhq/fairqueue/pkg/fairqueue"

type telemetry struct {
	tracer trace.Tracer
	meter  otelmetric.Meter

	enqueued        otelmetric.Int64Counter
	claimed         otelmetric.Int64Counter
	completed       otelmetric.Int64Counter
	released        otelmetric.Int64Counter
	retried         otelmetric.Int64Counter
	deadLettered    otelmetric.Int64Counter
	reclaimed       otelmetric.Int64Counter
	reserveRejected otelmetric.Int64Counter
	claimBatch      otelmetric.Int64Histogram
}

func newTelemetry(meter otelmetric.Meter, tracer trace.Tracer) (*telemetry, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	t := &telemetry{tracer: tracer, meter: meter}

	counters := []struct {
		dst  *otelmetric.Int64Counter
		name string
		desc string
	}{
		{&t.enqueued, "fairqueue.messages.enqueued", "Messages added to queues"},
		{&t.claimed, "fairqueue.messages.claimed", "Messages claimed and routed to worker queues"},
		{&t.completed, "fairqueue.messages.completed", "Messages completed by workers"},
		{&t.released, "fairqueue.messages.released", "Messages released back to pending"},
		{&t.retried, "fairqueue.messages.retried", "Failed messages scheduled for another attempt"},
		{&t.deadLettered, "fairqueue.messages.dead_lettered", "Failed messages moved to a dead letter queue"},
		{&t.reclaimed, "fairqueue.messages.reclaimed", "Messages whose lease expired and were requeued"},
		{&t.reserveRejected, "fairqueue.concurrency.rejected", "Claimed messages released because a concurrency group was full"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, otelmetric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}

	var err error
	t.claimBatch, err = meter.Int64Histogram(
		"fairqueue.claim.batch_size",
		otelmetric.WithDescription("Messages returned by one claim"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create claim batch histogram: %w", err)
	}
	return t, nil
}

func queueAttrs(tenantID, queueID string) otelmetric.MeasurementOption {
	return otelmetric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("queue_id", queueID),
	)
}

// GaugeOptions select what RegisterTelemetryGauges observes. Shard level
// gauges are always registered; DLQ and worker queue depth only for the
// listed tenants and worker queues.
type GaugeOptions struct {
	Tenants      []string
	WorkerQueues []string
}

// RegisterTelemetryGauges registers observable gauges for queue, in-flight,
// DLQ and worker queue depth plus the size of the in-process caches. The
// callbacks read the store on every collection. The registration is
// removed by Close.
func (q *FairQueue) RegisterTelemetryGauges(opts GaugeOptions) error {
	m := q.telemetry.meter
	queues, err := m.Int64ObservableGauge("fairqueue.shard.queues",
		otelmetric.WithDescription("Queues with pending messages per shard"))
	if err != nil {
		return fmt.Errorf("failed to create shard queues gauge: %w", err)
	}
	inflight, err := m.Int64ObservableGauge("fairqueue.shard.inflight",
		otelmetric.WithDescription("In-flight messages per shard"))
	if err != nil {
		return fmt.Errorf("failed to create shard inflight gauge: %w", err)
	}
	dlq, err := m.Int64ObservableGauge("fairqueue.dlq.length",
		otelmetric.WithDescription("Dead lettered messages per tenant"))
	if err != nil {
		return fmt.Errorf("failed to create dlq gauge: %w", err)
	}
	workers, err := m.Int64ObservableGauge("fairqueue.worker_queue.length",
		otelmetric.WithDescription("Routing tokens waiting in a worker queue"))
	if err != nil {
		return fmt.Errorf("failed to create worker queue gauge: %w", err)
	}
	descCache, err := m.Int64ObservableGauge("fairqueue.cache.descriptors",
		otelmetric.WithDescription("Queue descriptors cached in process"))
	if err != nil {
		return fmt.Errorf("failed to create descriptor cache gauge: %w", err)
	}
	cooloffs, err := m.Int64ObservableGauge("fairqueue.cache.cooloff_states",
		otelmetric.WithDescription("Queues with tracked cooloff state"))
	if err != nil {
		return fmt.Errorf("failed to create cooloff gauge: %w", err)
	}

	tenants := append([]string(nil), opts.Tenants...)
	workerQueues := append([]string(nil), opts.WorkerQueues...)

	reg, err := m.RegisterCallback(func(ctx context.Context, o otelmetric.Observer) error {
		for shard := range q.opts.ShardCount {
			attrs := otelmetric.WithAttributes(attribute.Int("shard", shard))
			if n, err := q.master.ShardQueueCount(ctx, shard); err == nil {
				o.ObserveInt64(queues, n, attrs)
			}
			if n, err := q.visibility.InflightCount(ctx, shard); err == nil {
				o.ObserveInt64(inflight, n, attrs)
			}
		}
		for _, tenant := range tenants {
			if n, err := q.DeadLetterQueueLength(ctx, tenant); err == nil {
				o.ObserveInt64(dlq, n, otelmetric.WithAttributes(attribute.String("tenant_id", tenant)))
			}
		}
		for _, wq := range workerQueues {
			if n, err := q.workerQueues.Length(ctx, wq); err == nil {
				o.ObserveInt64(workers, n, otelmetric.WithAttributes(attribute.String("worker_queue", wq)))
			}
		}
		o.ObserveInt64(descCache, int64(q.QueueDescriptorCacheSize()))
		o.ObserveInt64(cooloffs, int64(q.QueueCooloffStatesSize()))
		return nil
	}, queues, inflight, dlq, workers, descCache, cooloffs)
	if err != nil {
		return fmt.Errorf("failed to register telemetry gauges: %w", err)
	}

	q.mu.Lock()
	q.gaugeRegs = append(q.gaugeRegs, reg)
	q.mu.Unlock()
	return nil
}
