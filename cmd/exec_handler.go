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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/fairqueue/internal/logctx"
	"github.com/cardinalhq/fairqueue/internal/worker"
	"github.com/cardinalhq/fairqueue/pkg/fairqueue"
)

// exitDataErr (EX_DATAERR) from the command means the message can never
// succeed, so it skips the remaining retries.
const exitDataErr = 65

// maxOutputLog caps how much command output is logged on failure.
const maxOutputLog = 4096

// execHandler runs argv for each message with the payload on stdin and
// the message identity in FAIRQUEUE_* environment variables.
func execHandler(argv []string) worker.Handler {
	return func(ctx context.Context, item *worker.Item) error {
		return runCommand(ctx, argv, item.Message())
	}
}

func runCommand(ctx context.Context, argv []string, msg fairqueue.StoredMessage) error {
	ll := logctx.FromContext(ctx)

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdin = bytes.NewReader(msg.Payload)
	c.Env = append(os.Environ(),
		"FAIRQUEUE_MESSAGE_ID="+msg.ID,
		"FAIRQUEUE_QUEUE_ID="+msg.QueueID,
		"FAIRQUEUE_TENANT_ID="+msg.TenantID,
		"FAIRQUEUE_ATTEMPT="+strconv.Itoa(msg.Attempt),
	)

	start := time.Now()
	out, err := c.CombinedOutput()
	outcome := "success"
	defer func() {
		if handlerDuration == nil {
			return
		}
		handlerDuration.Record(context.Background(), time.Since(start).Seconds(),
			metric.WithAttributeSet(commonAttributes),
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}()
	if err == nil {
		ll.Debug("Command finished", "duration", time.Since(start))
		return nil
	}

	outcome = "failure"
	if len(out) > maxOutputLog {
		out = out[len(out)-maxOutputLog:]
	}
	ll.Warn("Command failed", "error", err, "output", string(out))

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitDataErr {
		outcome = "rejected"
		return fairqueue.Permanent(fmt.Errorf("command rejected message: %w", err))
	}
	return fmt.Errorf("command failed: %w", err)
}
