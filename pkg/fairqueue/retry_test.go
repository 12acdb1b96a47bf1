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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: 100 * time.Millisecond, Cap: time.Second, MaxAttempts: 6}
	cause := errors.New("boom")

	tests := []struct {
		attempt int
		want    time.Duration
		retry   bool
	}{
		{1, 100 * time.Millisecond, true},
		{2, 200 * time.Millisecond, true},
		{3, 400 * time.Millisecond, true},
		{4, 800 * time.Millisecond, true},
		{5, time.Second, true},
		{6, 0, false},
	}
	for _, tt := range tests {
		got, retry := b.NextDelay(tt.attempt, cause)
		assert.Equal(t, tt.retry, retry, "attempt %d", tt.attempt)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second, Jitter: 0.5}
	for range 100 {
		d, retry := b.NextDelay(1, nil)
		assert.True(t, retry)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	cause := Permanent(errors.New("bad input"))
	assert.True(t, IsPermanent(cause))
	assert.Nil(t, Permanent(nil))

	_, retry := ExponentialBackoff{Base: time.Second}.NextDelay(1, cause)
	assert.False(t, retry)
	_, retry = FixedDelay{Delay: time.Second}.NextDelay(1, cause)
	assert.False(t, retry)
}

func TestFixedDelayAndNoRetry(t *testing.T) {
	f := FixedDelay{Delay: 3 * time.Second, MaxAttempts: 2}
	d, retry := f.NextDelay(1, nil)
	assert.True(t, retry)
	assert.Equal(t, 3*time.Second, d)
	_, retry = f.NextDelay(2, nil)
	assert.False(t, retry)

	_, retry = NoRetry{}.NextDelay(1, nil)
	assert.False(t, retry)
}
