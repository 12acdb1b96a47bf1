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
	"encoding/json"
	"time"
)

// StoredMessage is the record kept for a message while it is pending or in
// flight. Payload is left as raw JSON; the queue never interprets it.
type StoredMessage struct {
	ID          string            `json:"id"`
	QueueID     string            `json:"queueId"`
	TenantID    string            `json:"tenantId"`
	Payload     json.RawMessage   `json:"payload"`
	Timestamp   int64             `json:"timestamp"`
	Attempt     int               `json:"attempt"`
	WorkerQueue string            `json:"workerQueue,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (m StoredMessage) Descriptor() QueueDescriptor {
	return QueueDescriptor{
		ID:       m.QueueID,
		TenantID: m.TenantID,
		Metadata: m.Metadata,
	}
}

// QueueDescriptor identifies a queue's owner and carries routing metadata.
type QueueDescriptor struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenantId"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type DeadLetterMessage struct {
	ID                string            `json:"id"`
	QueueID           string            `json:"queueId"`
	TenantID          string            `json:"tenantId"`
	Payload           json.RawMessage   `json:"payload"`
	DeadLetteredAt    int64             `json:"deadLetteredAt"`
	Attempts          int               `json:"attempts"`
	LastError         string            `json:"lastError,omitempty"`
	OriginalTimestamp int64             `json:"originalTimestamp"`
	WorkerQueue       string            `json:"workerQueue,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// UnknownTenant is the TenantID of a selection holding queues that are
// indexed in a master queue but have no stored descriptor. The consumer
// drops their index entries once they hold no messages.
const UnknownTenant = ""

// TenantQueues is one scheduler selection: the queues of a tenant to
// examine on this tick, in the order they should be tried.
type TenantQueues struct {
	TenantID string
	Queues   []string
}

// ReclaimedMessage describes a message whose lease expired and that was put
// back into its queue.
type ReclaimedMessage struct {
	MessageID string
	QueueID   string
	TenantID  string
	Metadata  map[string]string
}

// ReleaseRequest names one concurrency reservation to release.
type ReleaseRequest struct {
	Descriptor QueueDescriptor
	MessageID  string
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
