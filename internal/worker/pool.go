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

// Package worker pops routing tokens from a worker queue and runs a
// handler for each message while keeping its lease alive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/fairqueue/internal/heartbeat"
	"github.com/cardinalhq/fairqueue/internal/logctx"
	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

// Handler processes one message. A nil return completes it and an error
// fails it, unless the handler already settled the item.
type Handler func(ctx context.Context, item *Item) error

type Config struct {
	WorkerQueue string
	// Concurrency is the number of messages handled at once.
	Concurrency int
	// PopTimeout bounds each blocking pop so shutdown is noticed.
	PopTimeout time.Duration
	// HeartbeatInterval defaults to the queue's heartbeat interval.
	HeartbeatInterval time.Duration
	// SettleTimeout bounds the release of in-progress messages on shutdown.
	SettleTimeout time.Duration
}

type Pool struct {
	q       *fairqueue.FairQueue
	cfg     Config
	handler Handler
	id      string
	ll      *slog.Logger
}

func NewPool(q *fairqueue.FairQueue, cfg Config, handler Handler, logger *slog.Logger) (*Pool, error) {
	if q == nil || handler == nil {
		return nil, errors.New("worker: queue and handler are required")
	}
	if cfg.WorkerQueue == "" {
		return nil, errors.New("worker: worker queue is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = q.HeartbeatInterval()
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Pool{
		q:       q,
		cfg:     cfg,
		handler: handler,
		id:      id,
		ll: logger.With(
			slog.String("component", "worker"),
			slog.String("workerID", id),
			slog.String("workerQueue", cfg.WorkerQueue)),
	}, nil
}

func (p *Pool) ID() string {
	return p.id
}

// Run handles messages until ctx is done. Messages in progress at shutdown
// are released back to their queues.
func (p *Pool) Run(ctx context.Context) error {
	p.ll.Info("Starting worker pool", slog.Int("concurrency", p.cfg.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for n := range p.cfg.Concurrency {
		g.Go(func() error {
			return p.runWorker(gctx, n)
		})
	}
	err := g.Wait()
	p.ll.Info("Worker pool stopped")
	return err
}

func (p *Pool) runWorker(ctx context.Context, n int) error {
	ctx = logctx.WithLogger(ctx, p.ll.With(slog.Int("slot", n)))
	ll := logctx.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		token, err := p.q.WorkerQueues().BlockingPop(ctx, p.cfg.WorkerQueue, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ll.Error("Failed to pop worker queue", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if token == "" {
			continue
		}
		if err := p.handleToken(ctx, token); err != nil {
			ll.Error("Failed to settle message", slog.String("token", token), slog.Any("error", err))
		}
	}
}

// handleToken runs the handler for one routing token. Tokens whose message
// is no longer in flight are stale and dropped.
func (p *Pool) handleToken(ctx context.Context, token string) error {
	messageID, queueID, err := fairqueue.ParseMessageKey(token)
	if err != nil {
		logctx.FromContext(ctx).Warn("Dropping malformed routing token", slog.String("token", token))
		return nil
	}
	ctx, ll := logctx.WithMessage(ctx, messageID, queueID)

	msg, err := p.q.MessageData(ctx, messageID, queueID)
	if errors.Is(err, fairqueue.ErrMessageNotFound) {
		ll.Debug("Skipping stale routing token")
		return nil
	}
	if err != nil {
		return err
	}
	item := &Item{q: p.q, msg: *msg}

	hb := heartbeat.New(func(ctx context.Context) error {
		ok, err := p.q.HeartbeatMessage(ctx, messageID, queueID)
		if err != nil {
			return err
		}
		if !ok {
			return heartbeat.ErrLeaseLost
		}
		return nil
	}, p.cfg.HeartbeatInterval, ll)

	workCtx, stop := hb.Start(ctx)
	herr := p.runHandler(workCtx, item)
	leaseLost := errors.Is(context.Cause(workCtx), heartbeat.ErrLeaseLost)
	stop()

	if leaseLost {
		ll.Warn("Lease lost while handling message", slog.Int("attempt", msg.Attempt))
		return nil
	}
	if item.settled() {
		return nil
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SettleTimeout)
	defer cancel()
	switch {
	case ctx.Err() != nil:
		err = item.Release(settleCtx)
	case herr != nil:
		ll.Info("Handler failed", slog.Int("attempt", msg.Attempt), slog.Any("error", herr))
		err = item.Fail(settleCtx, herr)
	default:
		err = item.Complete(settleCtx)
	}
	if errors.Is(err, fairqueue.ErrMessageNotFound) {
		ll.Warn("Message was no longer in flight when settled")
		return nil
	}
	return err
}

func (p *Pool) runHandler(ctx context.Context, item *Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, item)
}
