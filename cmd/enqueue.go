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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

func init() {
	var (
		queueID   string
		tenantID  string
		messageID string
		delay     time.Duration
		metadata  map[string]string
		lines     bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue [payload | @file | -]",
		Short: "Add messages to a queue",
		Long: `Add one JSON payload to a queue, read from the argument, a file (@path)
or stdin (-). With --lines every non-empty stdin line is a payload and the
whole input is enqueued as one batch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var payloads []json.RawMessage
			var err error
			if lines {
				payloads, err = readPayloadLines(c.InOrStdin())
			} else {
				src := "-"
				if len(args) == 1 {
					src = args[0]
				}
				var p json.RawMessage
				p, err = readPayload(src, c.InOrStdin())
				payloads = []json.RawMessage{p}
			}
			if err != nil {
				return err
			}
			if messageID != "" && len(payloads) > 1 {
				return errors.New("--id applies to a single message")
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			msgs := make([]fairqueue.BatchMessage, len(payloads))
			for i, p := range payloads {
				msgs[i] = fairqueue.BatchMessage{Payload: p, Delay: delay}
			}
			if messageID != "" {
				msgs[0].MessageID = messageID
			}
			ids, err := s.queue.EnqueueBatch(ctx, fairqueue.EnqueueBatchOptions{
				QueueID:  queueID,
				TenantID: tenantID,
				Metadata: metadata,
				Messages: msgs,
			})
			if err != nil {
				var verr *fairqueue.ValidationError
				if errors.As(err, &verr) {
					return fmt.Errorf("payload rejected by rules %s: %w", strings.Join(verr.Issues, ", "), err)
				}
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(c.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&queueID, "queue", "q", "", "Queue to add to")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant that owns the queue")
	cmd.Flags().StringVar(&messageID, "id", "", "Message id (generated when empty)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Hold the message back for this long")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "Queue metadata as key=value pairs")
	cmd.Flags().BoolVar(&lines, "lines", false, "Read one payload per stdin line")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("tenant")

	rootCmd.AddCommand(cmd)
}

func readPayload(src string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case src == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(src, "@"):
		data, err = os.ReadFile(src[1:])
	default:
		data = []byte(src)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

func readPayloadLines(r io.Reader) ([]json.RawMessage, error) {
	var out []json.RawMessage
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return nil, fmt.Errorf("line %d is not valid JSON", line)
		}
		out = append(out, json.RawMessage(text))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payloads: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("no payloads on stdin")
	}
	return out, nil
}
