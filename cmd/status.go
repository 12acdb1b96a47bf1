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
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

type queueStatus struct {
	QueueID string `json:"queueId"`
	Shard   int    `json:"shard"`
	Pending int64  `json:"pending"`
}

type tenantStatus struct {
	TenantID     string `json:"tenantId"`
	InFlight     int    `json:"inFlight"`
	Limit        string `json:"limit"`
	DeadLettered int64  `json:"deadLettered"`
}

type status struct {
	Shards       []fairqueue.ShardStats `json:"shards"`
	Queues       []queueStatus          `json:"queues,omitempty"`
	Tenants      []tenantStatus         `json:"tenants,omitempty"`
	WorkerQueues map[string]int64       `json:"workerQueues,omitempty"`
}

func init() {
	var (
		queues       []string
		tenants      []string
		workerQueues []string
		jsonOutput   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show shard backlogs and, optionally, queue, tenant and worker queue depth",
		RunE: func(c *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := collectStatus(ctx, s.queue, queues, tenants, workerQueues)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(c.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			return printStatusTable(c.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringSliceVar(&queues, "queues", nil, "Queues to report pending counts for")
	cmd.Flags().StringSliceVar(&tenants, "tenants", nil, "Tenants to report concurrency and dead letters for")
	cmd.Flags().StringSliceVar(&workerQueues, "worker-queues", nil, "Worker queues to report depth for")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(cmd)
}

func collectStatus(ctx context.Context, q *fairqueue.FairQueue, queues, tenants, workerQueues []string) (*status, error) {
	shards, err := q.ShardStats(ctx)
	if err != nil {
		return nil, err
	}
	st := &status{Shards: shards}

	for _, id := range queues {
		n, err := q.QueueLength(ctx, id)
		if err != nil {
			return nil, err
		}
		st.Queues = append(st.Queues, queueStatus{QueueID: id, Shard: q.ShardForQueue(id), Pending: n})
	}

	cm := q.Concurrency()
	for _, id := range tenants {
		ts := tenantStatus{TenantID: id, Limit: "-"}
		if cm.HasGroup(fairqueue.TenantGroup) {
			cur, err := cm.CurrentConcurrency(ctx, fairqueue.TenantGroup, id)
			if err != nil {
				return nil, err
			}
			limit, err := cm.ConcurrencyLimit(ctx, fairqueue.TenantGroup, id)
			if err != nil {
				return nil, err
			}
			ts.InFlight = cur
			if limit != fairqueue.Unlimited {
				ts.Limit = strconv.Itoa(limit)
			}
		}
		n, err := q.DeadLetterQueueLength(ctx, id)
		if err != nil {
			return nil, err
		}
		ts.DeadLettered = n
		st.Tenants = append(st.Tenants, ts)
	}

	if len(workerQueues) > 0 {
		st.WorkerQueues = make(map[string]int64, len(workerQueues))
		for _, wq := range workerQueues {
			n, err := q.WorkerQueues().Length(ctx, wq)
			if err != nil {
				return nil, err
			}
			st.WorkerQueues[wq] = n
		}
	}
	return st, nil
}

func printStatusTable(out io.Writer, st *status) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tQUEUES\tIN_FLIGHT")
	for _, s := range st.Shards {
		fmt.Fprintf(w, "%d\t%d\t%d\n", s.Shard, s.Queues, s.Inflight)
	}
	if len(st.Queues) > 0 {
		fmt.Fprintln(w, "\nQUEUE\tSHARD\tPENDING")
		for _, q := range st.Queues {
			fmt.Fprintf(w, "%s\t%d\t%d\n", q.QueueID, q.Shard, q.Pending)
		}
	}
	if len(st.Tenants) > 0 {
		fmt.Fprintln(w, "\nTENANT\tIN_FLIGHT\tLIMIT\tDEAD_LETTERED")
		for _, t := range st.Tenants {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", t.TenantID, t.InFlight, t.Limit, t.DeadLettered)
		}
	}
	if len(st.WorkerQueues) > 0 {
		fmt.Fprintln(w, "\nWORKER_QUEUE\tTOKENS")
		for _, name := range slices.Sorted(maps.Keys(st.WorkerQueues)) {
			fmt.Fprintf(w, "%s\t%d\n", name, st.WorkerQueues[name])
		}
	}
	return w.Flush()
}
