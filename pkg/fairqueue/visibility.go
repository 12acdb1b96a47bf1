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
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKeys are the store keys a message needs to go back into its queue.
type QueueKeys struct {
	Queue  string
	Items  string
	Master string
}

// QueueKeysResolver maps a queue id to its QueueKeys.
type QueueKeysResolver func(queueID string) QueueKeys

// ReservationKeysResolver lists the concurrency sets that may hold a slot
// for a message of the given queue.
type ReservationKeysResolver func(desc QueueDescriptor) []string

// reclaimScanLimit bounds how many expired leases one reclaim pass looks at
// per shard.
const reclaimScanLimit = 500

// VisibilityManager leases messages to consumers. In-flight messages live in
// a per-shard sorted set scored by lease deadline plus a hash of their
// bodies; the shard is the one the message's queue hashes to.
type VisibilityManager struct {
	client redis.UniversalClient
	keys   KeyProducer
	master *MasterQueue
	now    func() time.Time
	logger *slog.Logger
}

func NewVisibilityManager(client redis.UniversalClient, keys KeyProducer, master *MasterQueue, now func() time.Time, logger *slog.Logger) *VisibilityManager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VisibilityManager{
		client: client,
		keys:   keys,
		master: master,
		now:    now,
		logger: logger.With("component", "visibility"),
	}
}

func (v *VisibilityManager) inflightKeys(queueID string) (string, string) {
	shard := v.master.ShardForQueue(queueID)
	return v.keys.InflightKey(shard), v.keys.InflightDataKey(shard)
}

// ClaimBatch leases up to maxCount due messages of a queue, lowest score
// first. An empty result means nothing in the queue is due.
func (v *VisibilityManager) ClaimBatch(ctx context.Context, queueID, queueKey, itemsKey, consumerID string, maxCount int, timeout time.Duration) ([]StoredMessage, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	inflightKey, inflightDataKey := v.inflightKeys(queueID)
	now := toMillis(v.now())
	res, err := claimScript.Run(ctx, v.client,
		[]string{queueKey, itemsKey, v.master.MasterKeyForQueue(queueID), inflightKey, inflightDataKey},
		queueID, now, now+timeout.Milliseconds(), maxCount,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim from queue %s: %w", queueID, err)
	}

	msgs := make([]StoredMessage, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		var msg StoredMessage
		if err := json.Unmarshal([]byte(res[i+1]), &msg); err != nil {
			v.logger.Error("Dropping unparseable claimed message",
				slog.String("queueID", queueID),
				slog.String("messageID", res[i]),
				slog.String("consumerID", consumerID),
				slog.Any("error", err))
			v.drop(ctx, inflightKey, inflightDataKey, res[i])
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (v *VisibilityManager) drop(ctx context.Context, inflightKey, inflightDataKey, messageID string) {
	if err := completeScript.Run(ctx, v.client, []string{inflightKey, inflightDataKey}, messageID).Err(); err != nil {
		v.logger.Error("Failed to drop in-flight message", slog.String("messageID", messageID), slog.Any("error", err))
	}
}

// Heartbeat pushes the lease deadline to now+extend. It returns false when
// the message is no longer in flight; the caller should stop working on it.
func (v *VisibilityManager) Heartbeat(ctx context.Context, messageID, queueID string, extend time.Duration) (bool, error) {
	inflightKey, _ := v.inflightKeys(queueID)
	deadline := toMillis(v.now()) + extend.Milliseconds()
	ok, err := heartbeatScript.Run(ctx, v.client, []string{inflightKey}, messageID, deadline).Int()
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat message %s: %w", messageID, err)
	}
	return ok == 1, nil
}

// Complete removes the message from in-flight for good. The message id is
// removed from the reservations sets in the same step, and only if the
// message was still in flight.
func (v *VisibilityManager) Complete(ctx context.Context, messageID, queueID string, reservations ...string) (bool, error) {
	inflightKey, inflightDataKey := v.inflightKeys(queueID)
	keys := append([]string{inflightKey, inflightDataKey}, reservations...)
	n, err := completeScript.Run(ctx, v.client, keys, messageID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to complete message %s: %w", messageID, err)
	}
	return n == 1, nil
}

// Release moves an in-flight message back to pending with score at. When
// updated is non-nil it replaces the stored body, which is how retries bump
// the attempt counter. Reservations are freed with the move, so a consumer
// that claims the message again cannot lose its new slot.
func (v *VisibilityManager) Release(ctx context.Context, messageID, queueID, queueKey, itemsKey, masterKey string, at time.Time, updated *StoredMessage, reservations ...string) (bool, error) {
	body := ""
	if updated != nil {
		b, err := json.Marshal(updated)
		if err != nil {
			return false, fmt.Errorf("failed to encode message %s: %w", messageID, err)
		}
		body = string(b)
	}
	return v.release(ctx, messageID, queueID, QueueKeys{Queue: queueKey, Items: itemsKey, Master: masterKey}, toMillis(at), body, "", reservations)
}

func (v *VisibilityManager) release(ctx context.Context, messageID, queueID string, qk QueueKeys, score int64, body string, expiredBefore string, reservations []string) (bool, error) {
	inflightKey, inflightDataKey := v.inflightKeys(queueID)
	keys := append([]string{inflightKey, inflightDataKey, qk.Queue, qk.Items, qk.Master}, reservations...)
	n, err := releaseScript.Run(ctx, v.client, keys,
		messageID, queueID, score, body, expiredBefore,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release message %s: %w", messageID, err)
	}
	return n == 1, nil
}

// ReclaimTimedOut puts every message of a shard whose lease has expired
// back into its queue. The deadline is re-checked inside the move, so a
// lease renewed by a heartbeat in the meantime is left alone and each
// expiry is reclaimed once. When reservations is non-nil, each message's
// concurrency slots are freed together with its move.
func (v *VisibilityManager) ReclaimTimedOut(ctx context.Context, shard int, resolve QueueKeysResolver, reservations ReservationKeysResolver) ([]ReclaimedMessage, error) {
	inflightKey := v.keys.InflightKey(shard)
	inflightDataKey := v.keys.InflightDataKey(shard)
	now := toMillis(v.now())
	nowArg := strconv.FormatInt(now, 10)

	ids, err := v.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   nowArg,
		Count: reclaimScanLimit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired leases in shard %d: %w", shard, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := v.client.HMGet(ctx, inflightDataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load expired leases in shard %d: %w", shard, err)
	}

	var reclaimed []ReclaimedMessage
	for i, id := range ids {
		raw, ok := bodies[i].(string)
		if !ok {
			// Completed between the scan and the load, or data is gone.
			continue
		}
		var msg StoredMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			v.logger.Error("Dropping unparseable in-flight message",
				slog.Int("shard", shard),
				slog.String("messageID", id),
				slog.Any("error", err))
			v.drop(ctx, inflightKey, inflightDataKey, id)
			continue
		}
		var slots []string
		if reservations != nil {
			slots = reservations(msg.Descriptor())
		}
		moved, err := v.release(ctx, id, msg.QueueID, resolve(msg.QueueID), now, "", nowArg, slots)
		if err != nil {
			return reclaimed, err
		}
		if !moved {
			continue
		}
		reclaimed = append(reclaimed, ReclaimedMessage{
			MessageID: id,
			QueueID:   msg.QueueID,
			TenantID:  msg.TenantID,
			Metadata:  msg.Metadata,
		})
	}
	return reclaimed, nil
}

// InflightMessage loads the stored body of an in-flight message.
func (v *VisibilityManager) InflightMessage(ctx context.Context, messageID, queueID string) (*StoredMessage, error) {
	_, inflightDataKey := v.inflightKeys(queueID)
	raw, err := v.client.HGet(ctx, inflightDataKey, messageID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	var msg StoredMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message %s: %w", messageID, err)
	}
	return &msg, nil
}

func (v *VisibilityManager) InflightCount(ctx context.Context, shard int) (int64, error) {
	n, err := v.client.ZCard(ctx, v.keys.InflightKey(shard)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight messages in shard %d: %w", shard, err)
	}
	return n, nil
}

// DeadLetter moves an in-flight message into its tenant's dead letter
// queue and frees its reservations. It returns false if the message was no
// longer in flight.
func (v *VisibilityManager) DeadLetter(ctx context.Context, dl DeadLetterMessage, reservations ...string) (bool, error) {
	body, err := json.Marshal(dl)
	if err != nil {
		return false, fmt.Errorf("failed to encode dead letter %s: %w", dl.ID, err)
	}
	inflightKey, inflightDataKey := v.inflightKeys(dl.QueueID)
	keys := append([]string{inflightKey, inflightDataKey, v.keys.DeadLetterKey(dl.TenantID), v.keys.DeadLetterDataKey(dl.TenantID)}, reservations...)
	n, err := deadLetterScript.Run(ctx, v.client, keys,
		dl.ID, dl.DeadLetteredAt, string(body),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to dead letter message %s: %w", dl.ID, err)
	}
	return n == 1, nil
}
