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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cardinalhq/fairqueue/config"
	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fairqueue",
	Short: "Fair multi-tenant work queue on Redis",
	Long: `Run the fairqueue consumers and workers, enqueue messages, and inspect
queues and dead letters. Configuration comes from fairqueue.yaml and
FAIRQUEUE_* environment variables.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// handleSignals returns a context cancelled on SIGINT or SIGTERM so ^C
// and k8s shut the process down gracefully.
func handleSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// clientSession is what the short-lived admin commands share: the loaded
// config, a store client, and a queue that never starts its loops.
type clientSession struct {
	cfg    *config.Config
	client redis.UniversalClient
	queue  *fairqueue.FairQueue
}

func openSession() (*clientSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.RedisClient()
	opts, err := cfg.QueueOptions(client, slog.Default())
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	opts.StartConsumers = false
	q, err := fairqueue.New(client, opts)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	return &clientSession{cfg: cfg, client: client, queue: q}, nil
}

func (s *clientSession) Close() {
	if err := s.queue.Close(); err != nil {
		slog.Warn("Failed to close queue", slog.Any("error", err))
	}
	if err := s.client.Close(); err != nil {
		slog.Warn("Failed to close redis client", slog.Any("error", err))
	}
}
