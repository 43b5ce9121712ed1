// Package retry provides backoff strategies used when re-establishing
// upstream stream connections.
package retry

import (
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultInterval is the default wait between retries.
	DefaultInterval = 3 * time.Second
	// DefaultJitter is the default random jitter added on top of the interval.
	DefaultJitter = 1 * time.Second
	// DefaultMaxInterval caps the exponential backoff interval.
	DefaultMaxInterval = 60 * time.Second
	// DefaultMultiplier is the exponential increment per attempt.
	DefaultMultiplier = 2.0

	// Unlimited disables the retry limit. A limit of 0 means no retries.
	Unlimited = -1
)

// Strategy computes the wait before the next reconnect attempt.
//
// A Strategy instance carries a mutable attempt counter and must not be
// shared between concurrent owners; pass a configured instance around and
// let each owner call Copy to get its own reset clone.
type Strategy interface {
	// NextInterval returns the time to wait before the next retry, or
	// false when the retry limit has been reached.
	NextInterval() (time.Duration, bool)

	// Reset sets the attempt counter back to zero. Configuration is kept.
	Reset()

	// Copy returns a clone with the same configuration and a zeroed
	// attempt counter, regardless of the source's counter.
	Copy() Strategy

	// Progress returns a "(count/limit)" string for log messages.
	Progress() string
}

// LinearBackoff waits a constant interval (plus jitter) between retries.
type LinearBackoff struct {
	interval time.Duration
	jitter   time.Duration
	limit    int
	count    int
}

// NewLinearBackoff creates a LinearBackoff. A negative limit means
// unlimited retries, 0 means no retries.
func NewLinearBackoff(interval, jitter time.Duration, limit int) *LinearBackoff {
	return &LinearBackoff{interval: interval, jitter: jitter, limit: limit}
}

// DefaultLinearBackoff retries every 3 seconds with 1 second of jitter,
// indefinitely.
func DefaultLinearBackoff() *LinearBackoff {
	return NewLinearBackoff(DefaultInterval, DefaultJitter, Unlimited)
}

// NextInterval implements Strategy.
func (s *LinearBackoff) NextInterval() (time.Duration, bool) {
	if s.limit >= 0 && s.count >= s.limit {
		return 0, false
	}
	s.count++
	return s.interval + randomJitter(s.jitter), true
}

// Reset implements Strategy.
func (s *LinearBackoff) Reset() { s.count = 0 }

// Copy implements Strategy.
func (s *LinearBackoff) Copy() Strategy {
	return NewLinearBackoff(s.interval, s.jitter, s.limit)
}

// Progress implements Strategy.
func (s *LinearBackoff) Progress() string { return progress(s.count, s.limit) }

// ExponentialBackoff grows the interval by a multiplier per attempt, up
// to a maximum.
type ExponentialBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     time.Duration
	limit      int
	count      int
}

// NewExponentialBackoff creates an ExponentialBackoff. A negative limit
// means unlimited retries, 0 means no retries.
func NewExponentialBackoff(
	initial, max time.Duration,
	multiplier float64,
	jitter time.Duration,
	limit int,
) *ExponentialBackoff {
	return &ExponentialBackoff{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
		limit:      limit,
	}
}

// DefaultExponentialBackoff starts at 3 seconds, doubles each attempt up
// to 60 seconds, with 1 second of jitter and no retry limit.
func DefaultExponentialBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(
		DefaultInterval,
		DefaultMaxInterval,
		DefaultMultiplier,
		DefaultJitter,
		Unlimited,
	)
}

// NextInterval implements Strategy.
func (s *ExponentialBackoff) NextInterval() (time.Duration, bool) {
	if s.limit >= 0 && s.count >= s.limit {
		return 0, false
	}
	s.count++
	nominal := float64(s.initial) * math.Pow(s.multiplier, float64(s.count-1))
	if nominal > float64(s.max) {
		nominal = float64(s.max)
	}
	interval := time.Duration(nominal) + randomJitter(s.jitter)
	if interval > s.max {
		interval = s.max
	}
	return interval, true
}

// Reset implements Strategy.
func (s *ExponentialBackoff) Reset() { s.count = 0 }

// Copy implements Strategy.
func (s *ExponentialBackoff) Copy() Strategy {
	return NewExponentialBackoff(s.initial, s.max, s.multiplier, s.jitter, s.limit)
}

// Progress implements Strategy.
func (s *ExponentialBackoff) Progress() string { return progress(s.count, s.limit) }

// Intervals returns a lazy sequence of retry intervals that stops when
// the strategy is exhausted. Iterating advances the strategy's counter
// and does not reset it.
func Intervals(s Strategy) iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		for {
			interval, ok := s.NextInterval()
			if !ok {
				return
			}
			if !yield(interval) {
				return
			}
		}
	}
}

func randomJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return rand.N(bound)
}

func progress(count, limit int) string {
	if limit < 0 {
		return fmt.Sprintf("(%d/∞)", count)
	}
	return fmt.Sprintf("(%d/%d)", count, limit)
}
