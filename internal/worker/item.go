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

package worker

import (
	"context"
	"sync"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

// Item is one claimed message handed to a Handler. The handler may settle
// it itself; otherwise the pool completes or fails it from the handler's
// return value. Settling more than once is a no-op.
type Item struct {
	q   *fairqueue.FairQueue
	msg fairqueue.StoredMessage

	mu     sync.Mutex
	closed bool
}

func (i *Item) Message() fairqueue.StoredMessage {
	return i.msg
}

func (i *Item) ID() string {
	return i.msg.ID
}

func (i *Item) QueueID() string {
	return i.msg.QueueID
}

func (i *Item) TenantID() string {
	return i.msg.TenantID
}

func (i *Item) Attempt() int {
	return i.msg.Attempt
}

// Complete removes the message from the queue for good.
func (i *Item) Complete(ctx context.Context) error {
	if !i.close() {
		return nil
	}
	return i.q.CompleteMessage(ctx, i.msg.ID, i.msg.QueueID)
}

// Fail records a failed attempt; the queue's retry strategy decides
// whether it runs again.
func (i *Item) Fail(ctx context.Context, cause error) error {
	if !i.close() {
		return nil
	}
	return i.q.FailMessage(ctx, i.msg.ID, i.msg.QueueID, cause)
}

// Release hands the message back without counting an attempt.
func (i *Item) Release(ctx context.Context) error {
	if !i.close() {
		return nil
	}
	return i.q.ReleaseMessage(ctx, i.msg.ID, i.msg.QueueID)
}

func (i *Item) close() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.closed = true
	return true
}

func (i *Item) settled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}
