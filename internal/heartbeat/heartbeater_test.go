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

package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeater_BeatsUntilCancelled(t *testing.T) {
	var calls atomic.Int64
	h := New(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, 20*time.Millisecond, nil)

	workCtx, cancel := h.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	<-workCtx.Done()
	assert.ErrorIs(t, context.Cause(workCtx), context.Canceled)
	stopped := calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), stopped+1)
}

func TestHeartbeater_NoImmediateBeat(t *testing.T) {
	var calls atomic.Int64
	h := New(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, time.Hour, nil)

	_, cancel := h.Start(context.Background())
	defer cancel()
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestHeartbeater_LeaseLostCancelsWork(t *testing.T) {
	h := New(func(ctx context.Context) error {
		return ErrLeaseLost
	}, 10*time.Millisecond, nil)

	workCtx, cancel := h.Start(context.Background())
	defer cancel()

	select {
	case <-workCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("work context was not cancelled")
	}
	assert.ErrorIs(t, context.Cause(workCtx), ErrLeaseLost)
}

func TestHeartbeater_ErrorsAreNotFatal(t *testing.T) {
	var calls atomic.Int64
	h := New(func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("connection reset")
	}, 10*time.Millisecond, nil)

	workCtx, cancel := h.Start(context.Background())
	defer cancel()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, workCtx.Err())
}

func TestHeartbeater_ParentCancel(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	h := New(func(ctx context.Context) error { return nil }, 10*time.Millisecond, nil)
	workCtx, cancel := h.Start(parent)
	defer cancel()

	parentCancel()
	select {
	case <-workCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("work context outlived its parent")
	}
}
