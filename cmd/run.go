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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/fairqueue/config"
	"github.com/cardinalhq/fairqueue/internal/debugging"
	"github.com/cardinalhq/fairqueue/internal/healthcheck"
	"github.com/cardinalhq/fairqueue/internal/worker"
	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

func init() {
	var (
		noConsumers  bool
		gaugeTenants []string
	)

	cmd := &cobra.Command{
		Use:   "run [-- command [args...]]",
		Short: "Run the consumer loops and, with a command, a worker pool",
		Long: `Run the per-shard consumer loops and the reclaim loop. When a command is
given (after --, or as worker.command in config) a worker pool pops the
worker queue and runs it once per message with the payload on stdin. Exit
status 0 completes the message, 65 dead-letters it without retries, and
anything else fails the attempt.`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if len(args) > 0 {
				cfg.Worker.Command = args
			}
			return runService(cfg, !noConsumers, gaugeTenants)
		},
	}
	cmd.Flags().BoolVar(&noConsumers, "no-consumers", false, "Only reclaim expired leases and run workers; do not claim")
	cmd.Flags().StringSliceVar(&gaugeTenants, "gauge-tenants", nil, "Tenants whose dead letter queue depth is exported as a gauge")

	rootCmd.AddCommand(cmd)
}

func runService(cfg *config.Config, consumers bool, gaugeTenants []string) error {
	ctx, doneFx, err := setupTelemetry("fairqueue", cfg.Debug)
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	debugging.RunPprof(ctx, cfg.Health.PprofPort)

	healthServer := healthcheck.NewServer(healthcheck.Config{Port: cfg.Health.Port})
	go func() {
		if err := healthServer.Start(ctx); err != nil {
			slog.Error("Health check server stopped", slog.Any("error", err))
		}
	}()
	healthServer.SetStatus(healthcheck.StatusHealthy)

	if len(cfg.Worker.Command) > 0 && cfg.Queue.RouteByTenant && len(gaugeTenants) == 0 {
		return errors.New("route_by_tenant needs --gauge-tenants to know which worker queues to serve")
	}

	client := cfg.RedisClient()
	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close redis client", slog.Any("error", err))
		}
	}()
	healthServer.AddProbe("redis", healthcheck.RedisProbe(client))

	opts, err := cfg.QueueOptions(client, slog.Default())
	if err != nil {
		return err
	}
	opts.StartConsumers = consumers
	q, err := fairqueue.New(client, opts)
	if err != nil {
		return fmt.Errorf("failed to create queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("Failed to close queue", slog.Any("error", err))
		}
	}()

	workerQueues := []string{cfg.WorkerQueueFor("")}
	if cfg.Queue.RouteByTenant {
		workerQueues = workerQueues[:0]
		for _, tenant := range gaugeTenants {
			workerQueues = append(workerQueues, cfg.WorkerQueueFor(tenant))
		}
	}
	if err := q.RegisterTelemetryGauges(fairqueue.GaugeOptions{Tenants: gaugeTenants, WorkerQueues: workerQueues}); err != nil {
		return err
	}

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	var running atomic.Bool
	running.Store(true)
	healthServer.AddProbe("queue", func(context.Context) error {
		if !running.Load() {
			return errors.New("queue loops not running")
		}
		return nil
	})
	slog.Info("Fair queue running",
		slog.String("consumerID", q.ConsumerID()),
		slog.Int("shards", cfg.Queue.ShardCount),
		slog.Bool("consumers", consumers))

	g, gctx := errgroup.WithContext(ctx)
	if len(cfg.Worker.Command) > 0 {
		for _, wq := range workerQueues {
			pool, err := worker.NewPool(q, worker.Config{
				WorkerQueue: wq,
				Concurrency: cfg.Worker.Concurrency,
				PopTimeout:  cfg.Worker.PopTimeout,
			}, execHandler(cfg.Worker.Command), slog.Default())
			if err != nil {
				return err
			}
			g.Go(func() error {
				return pool.Run(gctx)
			})
		}
	}

	<-gctx.Done()
	healthServer.SetStatus(healthcheck.StatusUnhealthy)
	running.Store(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Stop(stopCtx); err != nil {
		slog.Error("Failed to stop queue cleanly", slog.Any("error", err))
	}
	return g.Wait()
}
