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
	"strconv"
	"strings"
)

const DefaultKeyPrefix = "fq"

// Key segments. Each kind of key gets its own segment so identifiers
// containing ':' can never collide with a different kind of key.
const (
	segmentQueue          = "queue"
	segmentQueueItems     = "items"
	segmentQueueDesc      = "desc"
	segmentMaster         = "master"
	segmentInflight       = "inflight"
	segmentInflightData   = "inflight-data"
	segmentConcurrency    = "cc"
	segmentWorkerQueue    = "worker"
	segmentDeadLetter     = "dlq"
	segmentDeadLetterData = "dlq-data"
	segmentDeficit        = "drr-deficit"
	segmentRateLimit      = "ratelimit"
)

// KeyProducer maps logical identifiers to Redis keys. It holds no state
// beyond the prefix and is safe to copy.
type KeyProducer struct {
	prefix string
}

// NewKeyProducer returns a KeyProducer using prefix, or DefaultKeyPrefix
// when prefix is empty.
func NewKeyProducer(prefix string) KeyProducer {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return KeyProducer{prefix: prefix}
}

func (k KeyProducer) Prefix() string {
	return k.prefix
}

func (k KeyProducer) join(segment, id string) string {
	return k.prefix + ":" + segment + ":" + id
}

// QueueKey is the sorted set of pending message ids, scored by timestamp.
func (k KeyProducer) QueueKey(queueID string) string {
	return k.join(segmentQueue, queueID)
}

// QueueItemsKey is the hash of pending message bodies.
func (k KeyProducer) QueueItemsKey(queueID string) string {
	return k.join(segmentQueueItems, queueID)
}

// QueueDescriptorKey holds the JSON descriptor written on enqueue.
func (k KeyProducer) QueueDescriptorKey(queueID string) string {
	return k.join(segmentQueueDesc, queueID)
}

func (k KeyProducer) MasterQueueKey(shard int) string {
	return k.join(segmentMaster, strconv.Itoa(shard))
}

// InflightKey is the lease index: message id scored by lease deadline.
func (k KeyProducer) InflightKey(shard int) string {
	return k.join(segmentInflight, strconv.Itoa(shard))
}

func (k KeyProducer) InflightDataKey(shard int) string {
	return k.join(segmentInflightData, strconv.Itoa(shard))
}

// ConcurrencyKey is the set of message ids holding a slot in a group.
// Group names are validated to not contain ':'.
func (k KeyProducer) ConcurrencyKey(group, groupID string) string {
	return k.prefix + ":" + segmentConcurrency + ":" + group + ":" + groupID
}

func (k KeyProducer) WorkerQueueKey(workerQueueID string) string {
	return k.join(segmentWorkerQueue, workerQueueID)
}

func (k KeyProducer) DeadLetterKey(tenantID string) string {
	return k.join(segmentDeadLetter, tenantID)
}

func (k KeyProducer) DeadLetterDataKey(tenantID string) string {
	return k.join(segmentDeadLetterData, tenantID)
}

func (k KeyProducer) DeficitKey() string {
	return k.prefix + ":" + segmentDeficit
}

func (k KeyProducer) RateLimitKey(name string) string {
	return k.join(segmentRateLimit, name)
}

// ShardFromMasterQueueKey recovers the shard number from a key built by
// MasterQueueKey.
func (k KeyProducer) ShardFromMasterQueueKey(key string) (int, bool) {
	prefix := k.prefix + ":" + segmentMaster + ":"
	if !strings.HasPrefix(key, prefix) {
		return 0, false
	}
	shard, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
	if err != nil || shard < 0 {
		return 0, false
	}
	return shard, true
}
