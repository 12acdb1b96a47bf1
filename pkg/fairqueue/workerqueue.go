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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// WorkerQueueManager routes claimed messages to named lists that external
// workers pop from. Each entry is a routing token "<messageId>:<queueId>".
type WorkerQueueManager struct {
	client redis.UniversalClient
	keys   KeyProducer
}

func NewWorkerQueueManager(client redis.UniversalClient, keys KeyProducer) *WorkerQueueManager {
	return &WorkerQueueManager{client: client, keys: keys}
}

// MessageKey builds the routing token for a message.
func MessageKey(messageID, queueID string) string {
	return messageID + ":" + queueID
}

// ParseMessageKey splits a routing token. Message ids never contain ':',
// queue ids may, so the split is on the first separator.
func ParseMessageKey(token string) (messageID, queueID string, err error) {
	messageID, queueID, ok := strings.Cut(token, ":")
	if !ok || messageID == "" || queueID == "" {
		return "", "", fmt.Errorf("malformed routing token %q", token)
	}
	return messageID, queueID, nil
}

func (w *WorkerQueueManager) Push(ctx context.Context, workerQueueID, messageKey string) error {
	if err := w.client.RPush(ctx, w.keys.WorkerQueueKey(workerQueueID), messageKey).Err(); err != nil {
		return fmt.Errorf("failed to push to worker queue %s: %w", workerQueueID, err)
	}
	return nil
}

// PushBatch appends tokens grouped by worker queue in one pipeline.
func (w *WorkerQueueManager) PushBatch(ctx context.Context, tokens map[string][]string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := w.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for workerQueueID, keys := range tokens {
			if len(keys) == 0 {
				continue
			}
			vals := make([]any, len(keys))
			for i, k := range keys {
				vals[i] = k
			}
			pipe.RPush(ctx, w.keys.WorkerQueueKey(workerQueueID), vals...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push to %d worker queues: %w", len(tokens), err)
	}
	return nil
}

// BlockingPop waits up to timeout for the next token of a worker queue. It
// returns "" with a nil error when the wait times out.
func (w *WorkerQueueManager) BlockingPop(ctx context.Context, workerQueueID string, timeout time.Duration) (string, error) {
	res, err := w.client.BLPop(ctx, timeout, w.keys.WorkerQueueKey(workerQueueID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pop worker queue %s: %w", workerQueueID, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected reply popping worker queue %s: %v", workerQueueID, res)
	}
	return res[1], nil
}

func (w *WorkerQueueManager) Length(ctx context.Context, workerQueueID string) (int64, error) {
	n, err := w.client.LLen(ctx, w.keys.WorkerQueueKey(workerQueueID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read worker queue %s length: %w", workerQueueID, err)
	}
	return n, nil
}
