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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

func init() {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on a tenant's dead letter queue",
	}
	cmd.AddCommand(dlqListCmd(), dlqRedriveCmd(), dlqPurgeCmd())
	rootCmd.AddCommand(cmd)
}

func dlqListCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List dead letters, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			dls, err := s.queue.DeadLetterMessages(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(c.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(dls)
			}
			return printDeadLetters(c.OutOrStdout(), dls)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of dead letters to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func dlqRedriveCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "redrive <tenant> [message-id...]",
		Short: "Move dead letters back to their queues with a fresh attempt count",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			tenant, ids := args[0], args[1:]
			if all == (len(ids) > 0) {
				return fmt.Errorf("give message ids or --all, not both")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if all {
				n, err := s.queue.RedriveAll(ctx, tenant)
				fmt.Fprintf(c.OutOrStdout(), "redrove %d messages\n", n)
				return err
			}
			for _, id := range ids {
				if err := s.queue.RedriveMessage(ctx, tenant, id); err != nil {
					return fmt.Errorf("redrive %s: %w", id, err)
				}
				fmt.Fprintln(c.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Redrive every dead letter of the tenant")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge <tenant>",
		Short: "Delete every dead letter of a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes messages for good; pass --yes to confirm")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.queue.PurgeDeadLetterQueue(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "purged %d messages\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the purge")
	return cmd
}

func printDeadLetters(out io.Writer, dls []fairqueue.DeadLetterMessage) error {
	if len(dls) == 0 {
		fmt.Fprintln(out, "Dead letter queue is empty")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tATTEMPTS\tDEAD_LETTERED\tLAST_ERROR")
	for _, dl := range dls {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			dl.ID, dl.QueueID, dl.Attempts,
			time.UnixMilli(dl.DeadLetteredAt).UTC().Format(time.RFC3339),
			dl.LastError)
	}
	return w.Flush()
}
