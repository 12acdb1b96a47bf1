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
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy decides what happens to a failed message. It returns the
// delay before the next attempt, or false to dead-letter the message.
// attempt is the attempt that just failed, starting at 1.
type RetryStrategy interface {
	NextDelay(attempt int, err error) (time.Duration, bool)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The built-in strategies
// dead-letter such failures immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ExponentialBackoff doubles Base for every attempt, capped at Cap, with
// up to +/- Jitter (a fraction, 0..1) of random spread. MaxAttempts counts
// every attempt including the first.
type ExponentialBackoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int
}

var _ RetryStrategy = ExponentialBackoff{}

func (b ExponentialBackoff) NextDelay(attempt int, err error) (time.Duration, bool) {
	if IsPermanent(err) || (b.MaxAttempts > 0 && attempt >= b.MaxAttempts) {
		return 0, false
	}
	if b.Base <= 0 {
		return 0, true
	}
	delay := float64(b.Base) * math.Pow(2, float64(max(attempt-1, 0)))
	if b.Cap > 0 && delay > float64(b.Cap) {
		delay = float64(b.Cap)
	}
	if b.Jitter > 0 {
		j := min(b.Jitter, 1)
		delay *= 1 + (rand.Float64()*2-1)*j
	}
	return time.Duration(max(delay, 0)), true
}

// FixedDelay retries after the same Delay until MaxAttempts is reached.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

var _ RetryStrategy = FixedDelay{}

func (f FixedDelay) NextDelay(attempt int, err error) (time.Duration, bool) {
	if IsPermanent(err) || (f.MaxAttempts > 0 && attempt >= f.MaxAttempts) {
		return 0, false
	}
	return f.Delay, true
}

// NoRetry dead-letters on the first failure.
type NoRetry struct{}

var _ RetryStrategy = NoRetry{}

func (NoRetry) NextDelay(int, error) (time.Duration, bool) {
	return 0, false
}

// RetryStrategyFunc adapts a function to RetryStrategy.
type RetryStrategyFunc func(attempt int, err error) (time.Duration, bool)

func (f RetryStrategyFunc) NextDelay(attempt int, err error) (time.Duration, bool) {
	return f(attempt, err)
}
