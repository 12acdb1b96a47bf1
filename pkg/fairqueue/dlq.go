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
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

// redrivePageSize is how many dead letters RedriveAll moves per page.
const redrivePageSize = 100

// DeadLetterMessages lists up to limit dead letters of a tenant, oldest
// first. Unparseable entries are logged and skipped.
func (q *FairQueue) DeadLetterMessages(ctx context.Context, tenantID string, limit int) ([]DeadLetterMessage, error) {
	if limit <= 0 {
		limit = redrivePageSize
	}
	ids, err := q.client.ZRange(ctx, q.keys.DeadLetterKey(tenantID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters of tenant %s: %w", tenantID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := q.client.HMGet(ctx, q.keys.DeadLetterDataKey(tenantID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load dead letters of tenant %s: %w", tenantID, err)
	}

	out := make([]DeadLetterMessage, 0, len(ids))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var dl DeadLetterMessage
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			q.logger.Error("Skipping unparseable dead letter",
				slog.String("tenantID", tenantID),
				slog.String("messageID", ids[i]),
				slog.Any("error", err))
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// RedriveMessage moves a dead letter back into its queue as a fresh
// pending message with the attempt counter reset.
func (q *FairQueue) RedriveMessage(ctx context.Context, tenantID, messageID string) error {
	raw, err := q.client.HGet(ctx, q.keys.DeadLetterDataKey(tenantID), messageID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load dead letter %s: %w", messageID, err)
	}
	var dl DeadLetterMessage
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return fmt.Errorf("failed to decode dead letter %s: %w", messageID, err)
	}

	msg := StoredMessage{
		ID:        dl.ID,
		QueueID:   dl.QueueID,
		TenantID:  dl.TenantID,
		Payload:   dl.Payload,
		Timestamp: toMillis(q.opts.Now()),
		Attempt:   1,
		Metadata:  dl.Metadata,
	}
	msg.WorkerQueue = q.opts.WorkerQueue.Resolve(msg)
	if msg.WorkerQueue == "" {
		msg.WorkerQueue = dl.WorkerQueue
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", messageID, err)
	}
	descJSON, err := json.Marshal(msg.Descriptor())
	if err != nil {
		return fmt.Errorf("failed to encode descriptor of queue %s: %w", dl.QueueID, err)
	}

	qk := q.queueKeys(dl.QueueID)
	moved, err := redriveScript.Run(ctx, q.client,
		[]string{
			q.keys.DeadLetterKey(tenantID), q.keys.DeadLetterDataKey(tenantID),
			qk.Queue, qk.Items, qk.Master, q.keys.QueueDescriptorKey(dl.QueueID),
		},
		messageID, dl.QueueID, msg.Timestamp, string(body), string(descJSON),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to redrive message %s: %w", messageID, err)
	}
	if moved == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// RedriveAll redrives every dead letter of a tenant and returns how many
// were moved. Failures are collected and do not stop the rest.
func (q *FairQueue) RedriveAll(ctx context.Context, tenantID string) (int, error) {
	var result *multierror.Error
	moved := 0
	failed := make(map[string]struct{})
	for {
		ids, err := q.client.ZRange(ctx, q.keys.DeadLetterKey(tenantID), int64(len(failed)), int64(len(failed)+redrivePageSize-1)).Result()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to list dead letters of tenant %s: %w", tenantID, err))
			break
		}
		if len(ids) == 0 {
			break
		}
		progress := false
		for _, id := range ids {
			if _, seen := failed[id]; seen {
				continue
			}
			progress = true
			if err := q.RedriveMessage(ctx, tenantID, id); err != nil {
				failed[id] = struct{}{}
				result = multierror.Append(result, err)
				continue
			}
			moved++
		}
		if !progress {
			break
		}
	}
	return moved, result.ErrorOrNil()
}

// PurgeDeadLetterQueue deletes every dead letter of a tenant and returns how
// many there were.
func (q *FairQueue) PurgeDeadLetterQueue(ctx context.Context, tenantID string) (int64, error) {
	n, err := purgeScript.Run(ctx, q.client,
		[]string{q.keys.DeadLetterKey(tenantID), q.keys.DeadLetterDataKey(tenantID)},
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters of tenant %s: %w", tenantID, err)
	}
	return n, nil
}

func (q *FairQueue) DeadLetterQueueLength(ctx context.Context, tenantID string) (int64, error) {
	n, err := q.client.ZCard(ctx, q.keys.DeadLetterKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read dead letter count of tenant %s: %w", tenantID, err)
	}
	return n, nil
}
