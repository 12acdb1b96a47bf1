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

// Package heartbeat keeps a lease alive while a message is being handled.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrLeaseLost is returned by a HeartbeatFunc when the lease no longer
// exists. The heartbeater stops and the work context is cancelled with it
// as the cause.
var ErrLeaseLost = errors.New("lease lost")

type HeartbeatFunc func(ctx context.Context) error

// Heartbeater calls a HeartbeatFunc every interval while work is running.
type Heartbeater struct {
	heartbeatFunc HeartbeatFunc
	ll            *slog.Logger
	interval      time.Duration
}

func New(heartbeatFunc HeartbeatFunc, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeater{
		heartbeatFunc: heartbeatFunc,
		ll:            logger.With("component", "heartbeater"),
		interval:      interval,
	}
}

// Start begins heartbeating in a goroutine. The returned context is the
// one to run the work under: it is cancelled by the returned func, by the
// parent, or with ErrLeaseLost when a heartbeat reports the lease gone.
// The first heartbeat is sent after one interval since the lease was just
// granted.
func (h *Heartbeater) Start(ctx context.Context) (context.Context, context.CancelFunc) {
	workCtx, cancel := context.WithCancelCause(ctx)
	go h.run(workCtx, cancel)
	return workCtx, func() { cancel(context.Canceled) }
}

func (h *Heartbeater) run(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.heartbeatFunc(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseLost):
				h.ll.Warn("Lease lost, abandoning work")
				cancel(ErrLeaseLost)
				return
			case ctx.Err() != nil:
				return
			default:
				h.ll.Error("Failed to send heartbeat (continuing)", slog.Any("error", err))
			}
		}
	}
}
