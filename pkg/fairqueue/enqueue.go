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
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type EnqueueOptions struct {
	QueueID  string
	TenantID string
	// Payload is encoded as JSON. A json.RawMessage is stored as is.
	Payload  any
	Metadata map[string]string
	// MessageID is generated when empty. Re-enqueueing an id that is still
	// pending is a no-op.
	MessageID string
	// Delay postpones when the message first becomes claimable.
	Delay time.Duration
}

type BatchMessage struct {
	MessageID string
	Payload   any
	Delay     time.Duration
}

// EnqueueBatchOptions adds several messages to one queue atomically.
type EnqueueBatchOptions struct {
	QueueID  string
	TenantID string
	Metadata map[string]string
	Messages []BatchMessage
}

// Enqueue adds one message to a queue and returns its id.
func (q *FairQueue) Enqueue(ctx context.Context, opts EnqueueOptions) (string, error) {
	ids, err := q.EnqueueBatch(ctx, EnqueueBatchOptions{
		QueueID:  opts.QueueID,
		TenantID: opts.TenantID,
		Metadata: opts.Metadata,
		Messages: []BatchMessage{{MessageID: opts.MessageID, Payload: opts.Payload, Delay: opts.Delay}},
	})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueBatch validates every message first, then writes them all in one
// script run. Nothing is written if any message is rejected.
func (q *FairQueue) EnqueueBatch(ctx context.Context, opts EnqueueBatchOptions) ([]string, error) {
	ctx, span := q.telemetry.tracer.Start(ctx, "fairqueue.enqueue", trace.WithAttributes(
		attribute.String("queue_id", opts.QueueID),
		attribute.String("tenant_id", opts.TenantID),
		attribute.Int("messages", len(opts.Messages)),
	))
	defer span.End()

	ids, err := q.enqueueBatch(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return ids, nil
}

func (q *FairQueue) enqueueBatch(ctx context.Context, opts EnqueueBatchOptions) ([]string, error) {
	if opts.QueueID == "" || opts.TenantID == "" {
		return nil, invalidOption("queue id and tenant id are required")
	}
	if len(opts.Messages) == 0 {
		return nil, invalidOption("no messages to enqueue")
	}

	desc := QueueDescriptor{ID: opts.QueueID, TenantID: opts.TenantID, Metadata: maps.Clone(opts.Metadata)}
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor of queue %s: %w", opts.QueueID, err)
	}

	now := q.opts.Now()
	ids := make([]string, len(opts.Messages))
	args := make([]any, 0, 2+3*len(opts.Messages))
	args = append(args, opts.QueueID, string(descJSON))

	for i, m := range opts.Messages {
		id := m.MessageID
		if id == "" {
			id = q.ids.Make(now)
		} else if strings.Contains(id, ":") {
			return nil, invalidOption("message id %q must not contain ':'", id)
		}

		payload, err := encodePayload(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload for queue %s: %w", opts.QueueID, err)
		}
		if q.opts.ValidateOnEnqueue {
			if res := q.opts.PayloadSchema.SafeParse(desc, payload); !res.Success {
				return nil, &ValidationError{QueueID: opts.QueueID, Issues: res.Issues}
			}
		}
		ts := now.Add(max(m.Delay, 0))
		msg := StoredMessage{
			ID:        id,
			QueueID:   opts.QueueID,
			TenantID:  opts.TenantID,
			Payload:   payload,
			Timestamp: toMillis(ts),
			Attempt:   1,
			Metadata:  desc.Metadata,
		}
		msg.WorkerQueue = q.opts.WorkerQueue.Resolve(msg)
		if msg.WorkerQueue == "" {
			return nil, fmt.Errorf("worker queue resolver returned no queue for %s", opts.QueueID)
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message for queue %s: %w", opts.QueueID, err)
		}
		ids[i] = id
		args = append(args, id, msg.Timestamp, string(body))
	}

	qk := q.queueKeys(opts.QueueID)
	added, err := enqueueScript.Run(ctx, q.client,
		[]string{
			qk.Queue, qk.Items, qk.Master,
			q.keys.QueueDescriptorKey(opts.QueueID),
			q.keys.InflightDataKey(q.master.ShardForQueue(opts.QueueID)),
		},
		args...,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue to queue %s: %w", opts.QueueID, err)
	}
	q.descriptors.Set(opts.QueueID, desc, ttlcache.DefaultTTL)
	q.telemetry.enqueued.Add(ctx, int64(added), queueAttrs(opts.TenantID, opts.QueueID))
	if added < len(ids) {
		q.logger.Debug("Skipped message ids already pending or in flight",
			slog.String("queueID", opts.QueueID),
			slog.Int("duplicates", len(ids)-added))
	}
	return ids, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

func decodeDescriptor(raw []byte) (QueueDescriptor, error) {
	var desc QueueDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return QueueDescriptor{}, err
	}
	return desc, nil
}
