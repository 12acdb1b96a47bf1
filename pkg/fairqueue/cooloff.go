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
	"sync"
	"time"
)

// cooloffState is the advisory backoff state of one queue. It is either
// cooloffNormal or cooloffActive.
type cooloffState interface {
	isCooloffState()
}

type cooloffNormal struct {
	failures int
}

type cooloffActive struct {
	expiresAt time.Time
}

func (cooloffNormal) isCooloffState() {}
func (cooloffActive) isCooloffState() {}

// CooloffOptions configure the per-queue backoff applied when a queue keeps
// being blocked by concurrency limits.
type CooloffOptions struct {
	Enabled       bool
	Threshold     int
	Period        time.Duration
	MaxStatesSize int
}

// cooloffTracker holds the in-process cooloff state per queue. Losing it
// only costs some wasted store round-trips.
type cooloffTracker struct {
	opts CooloffOptions
	now  func() time.Time

	mu     sync.Mutex
	states map[string]cooloffState
}

func newCooloffTracker(opts CooloffOptions, now func() time.Time) *cooloffTracker {
	return &cooloffTracker{
		opts:   opts,
		now:    now,
		states: make(map[string]cooloffState),
	}
}

// InCooloff reports whether the queue should be skipped right now. An
// expired cooloff is reset to normal.
func (c *cooloffTracker) InCooloff(queueID string) bool {
	if !c.opts.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[queueID].(cooloffActive)
	if !ok {
		return false
	}
	if c.now().Before(s.expiresAt) {
		return true
	}
	c.states[queueID] = cooloffNormal{}
	return false
}

// RecordBlocked counts a claim attempt that found no capacity and moves
// the queue into cooloff once the threshold is reached.
func (c *cooloffTracker) RecordBlocked(queueID string) {
	if !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.MaxStatesSize > 0 && len(c.states) >= c.opts.MaxStatesSize {
		if _, known := c.states[queueID]; !known {
			clear(c.states)
		}
	}
	failures := 0
	switch s := c.states[queueID].(type) {
	case cooloffActive:
		return
	case cooloffNormal:
		failures = s.failures
	}
	failures++
	if failures >= c.opts.Threshold {
		c.states[queueID] = cooloffActive{expiresAt: c.now().Add(c.opts.Period)}
		return
	}
	c.states[queueID] = cooloffNormal{failures: failures}
}

// Reset returns the queue to normal after a successful claim.
func (c *cooloffTracker) Reset(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.states[queueID]; ok {
		c.states[queueID] = cooloffNormal{}
	}
}

func (c *cooloffTracker) Forget(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, queueID)
}

func (c *cooloffTracker) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}
