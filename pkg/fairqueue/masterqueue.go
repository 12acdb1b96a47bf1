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
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// MasterQueue tracks, per shard, which queues currently hold pending
// messages, scored by their oldest pending timestamp.
type MasterQueue struct {
	client     redis.UniversalClient
	keys       KeyProducer
	shardCount int
}

func NewMasterQueue(client redis.UniversalClient, keys KeyProducer, shardCount int) *MasterQueue {
	return &MasterQueue{client: client, keys: keys, shardCount: shardCount}
}

func (m *MasterQueue) ShardCount() int {
	return m.shardCount
}

// ShardForQueue assigns a queue to a shard using rendezvous (highest random
// weight) hashing over the shard indexes. For a fixed shard count a queue
// always lands on the same shard; adding a shard moves only the queues
// that now hash highest on the new one.
func (m *MasterQueue) ShardForQueue(queueID string) int {
	return shardForQueue(queueID, m.shardCount)
}

func shardForQueue(queueID string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	best := 0
	var bestHash uint64
	for i := range shardCount {
		h := xxhash.Sum64String(queueID + ":" + strconv.Itoa(i))
		if i == 0 || h > bestHash {
			best = i
			bestHash = h
		}
	}
	return best
}

func (m *MasterQueue) MasterKeyForQueue(queueID string) string {
	return m.keys.MasterQueueKey(m.ShardForQueue(queueID))
}

func (m *MasterQueue) ShardQueueCount(ctx context.Context, shard int) (int64, error) {
	n, err := m.client.ZCard(ctx, m.keys.MasterQueueKey(shard)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count queues in shard %d: %w", shard, err)
	}
	return n, nil
}

func (m *MasterQueue) TotalQueueCount(ctx context.Context) (int64, error) {
	pipe := m.client.Pipeline()
	cmds := make([]*redis.IntCmd, m.shardCount)
	for shard := range m.shardCount {
		cmds[shard] = pipe.ZCard(ctx, m.keys.MasterQueueKey(shard))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count queues: %w", err)
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// DueQueues returns up to limit queue ids of a shard whose oldest pending
// message is due at or before nowMs, oldest first.
func (m *MasterQueue) DueQueues(ctx context.Context, masterKey string, nowMs int64, limit int64) ([]redis.Z, error) {
	return dueQueues(ctx, m.client, masterKey, nowMs, limit)
}

func dueQueues(ctx context.Context, client redis.UniversalClient, masterKey string, nowMs int64, limit int64) ([]redis.Z, error) {
	zs, err := client.ZRangeByScoreWithScores(ctx, masterKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read master queue %s: %w", masterKey, err)
	}
	return zs, nil
}

// RemoveQueueIfEmpty drops the queue from its shard's master index when it
// has no pending messages. It reports whether the queue was removed.
func (m *MasterQueue) RemoveQueueIfEmpty(ctx context.Context, queueID string) (bool, error) {
	removed, err := removeIfEmptyScript.Run(ctx, m.client,
		[]string{m.keys.QueueKey(queueID), m.MasterKeyForQueue(queueID)},
		queueID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check queue %s for removal: %w", queueID, err)
	}
	return removed == 1, nil
}
