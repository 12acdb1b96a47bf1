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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingWorkerQueueResolver is returned by New when no worker queue
	// resolver is configured. Messages cannot be routed without one.
	ErrMissingWorkerQueueResolver = errors.New("fairqueue: worker queue resolver is required")
	ErrInvalidOptions             = errors.New("fairqueue: invalid options")
	ErrValidation                 = errors.New("fairqueue: payload validation failed")
	ErrMessageNotFound            = errors.New("fairqueue: message not found")
	ErrQueueNotFound              = errors.New("fairqueue: queue not found")
	ErrAlreadyStarted             = errors.New("fairqueue: already started")
)

// ValidationError carries the individual schema issues for a rejected payload.
type ValidationError struct {
	QueueID string
	Issues  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fairqueue: payload for queue %q failed validation: %s", e.QueueID, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalidOption(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
}
