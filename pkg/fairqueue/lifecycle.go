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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageData returns the stored message while it is in flight, or
// ErrMessageNotFound.
func (q *FairQueue) MessageData(ctx context.Context, messageID, queueID string) (*StoredMessage, error) {
	return q.visibility.InflightMessage(ctx, messageID, queueID)
}

// HeartbeatMessage renews the lease for another VisibilityTimeout. False
// means the lease is gone and the worker should abandon the message.
func (q *FairQueue) HeartbeatMessage(ctx context.Context, messageID, queueID string) (bool, error) {
	return q.visibility.Heartbeat(ctx, messageID, queueID, q.opts.VisibilityTimeout)
}

// CompleteMessage finishes a message and frees its concurrency slots.
func (q *FairQueue) CompleteMessage(ctx context.Context, messageID, queueID string) error {
	msg, err := q.visibility.InflightMessage(ctx, messageID, queueID)
	if err != nil {
		return err
	}
	done, err := q.visibility.Complete(ctx, messageID, queueID, q.concurrency.ReservationKeys(msg.Descriptor())...)
	if err != nil {
		return err
	}
	if !done {
		return ErrMessageNotFound
	}
	q.telemetry.completed.Add(ctx, 1, queueAttrs(msg.TenantID, msg.QueueID))
	return nil
}

// ReleaseMessage puts an in-flight message back at the end of its queue
// without counting an attempt.
func (q *FairQueue) ReleaseMessage(ctx context.Context, messageID, queueID string) error {
	msg, err := q.visibility.InflightMessage(ctx, messageID, queueID)
	if err != nil {
		return err
	}
	qk := q.queueKeys(queueID)
	moved, err := q.visibility.Release(ctx, messageID, queueID, qk.Queue, qk.Items, qk.Master, q.opts.Now(), nil,
		q.concurrency.ReservationKeys(msg.Descriptor())...)
	if err != nil {
		return err
	}
	if !moved {
		return ErrMessageNotFound
	}
	q.telemetry.released.Add(ctx, 1, queueAttrs(msg.TenantID, msg.QueueID))
	return nil
}

// FailMessage records a failed attempt. The retry strategy either
// schedules the message again with its attempt counter bumped, or the
// message is dead-lettered (or dropped when the DLQ is disabled).
func (q *FairQueue) FailMessage(ctx context.Context, messageID, queueID string, cause error) error {
	ctx, span := q.telemetry.tracer.Start(ctx, "fairqueue.fail", trace.WithAttributes(
		attribute.String("queue_id", queueID),
		attribute.String("message_id", messageID),
	))
	defer span.End()

	err := q.failMessage(ctx, messageID, queueID, cause)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (q *FairQueue) failMessage(ctx context.Context, messageID, queueID string, cause error) error {
	msg, err := q.visibility.InflightMessage(ctx, messageID, queueID)
	if err != nil {
		return err
	}
	attrs := queueAttrs(msg.TenantID, msg.QueueID)
	reservations := q.concurrency.ReservationKeys(msg.Descriptor())
	now := q.opts.Now()

	delay, retry := q.opts.Retry.Strategy.NextDelay(msg.Attempt, cause)
	switch {
	case retry:
		updated := *msg
		updated.Attempt++
		qk := q.queueKeys(queueID)
		moved, err := q.visibility.Release(ctx, messageID, queueID, qk.Queue, qk.Items, qk.Master, now.Add(max(delay, 0)), &updated, reservations...)
		if err != nil {
			return err
		}
		if !moved {
			return ErrMessageNotFound
		}
		q.telemetry.retried.Add(ctx, 1, attrs)
		q.logger.Debug("Scheduled message retry",
			slog.String("messageID", messageID),
			slog.String("queueID", queueID),
			slog.Int("attempt", updated.Attempt),
			slog.Duration("delay", delay))

	case q.opts.Retry.DeadLetterQueue:
		dl := DeadLetterMessage{
			ID:                msg.ID,
			QueueID:           msg.QueueID,
			TenantID:          msg.TenantID,
			Payload:           msg.Payload,
			DeadLetteredAt:    toMillis(now),
			Attempts:          msg.Attempt,
			OriginalTimestamp: msg.Timestamp,
			WorkerQueue:       msg.WorkerQueue,
			Metadata:          msg.Metadata,
		}
		if cause != nil {
			dl.LastError = cause.Error()
		}
		moved, err := q.visibility.DeadLetter(ctx, dl, reservations...)
		if err != nil {
			return err
		}
		if !moved {
			return ErrMessageNotFound
		}
		q.telemetry.deadLettered.Add(ctx, 1, attrs)
		q.logger.Warn("Dead lettered message",
			slog.String("messageID", messageID),
			slog.String("queueID", queueID),
			slog.String("tenantID", msg.TenantID),
			slog.Int("attempts", msg.Attempt),
			slog.String("lastError", dl.LastError))

	default:
		done, err := q.visibility.Complete(ctx, messageID, queueID, reservations...)
		if err != nil {
			return err
		}
		if !done {
			return ErrMessageNotFound
		}
		q.logger.Warn("Dropped failed message",
			slog.String("messageID", messageID),
			slog.String("queueID", queueID),
			slog.Int("attempts", msg.Attempt))
	}
	return nil
}
