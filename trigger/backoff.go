package trigger

import (
	"errors"
	"time"
)

var ErrFinished = errors.New("no retries left")

// Backoff is the Backoff interface to calculate the next fire time after a
// failed execution.
type Backoff interface {
	// NextRetryTime returns the next time at which the retry should happen.
	NextRetryTime(prev time.Time, retry int) (time.Time, error)
}

type ExponentialBackoff struct {
	incBackoff time.Duration
	maxBackoff time.Duration
}

func NewExponentialBackoff(options ...ExponentialBackoffOption) ExponentialBackoff {
	b := ExponentialBackoff{
		incBackoff: 10 * time.Second,
		maxBackoff: 10 * time.Minute,
	}
	for _, o := range options {
		o(&b)
	}

	return b
}

func (b ExponentialBackoff) NextRetryTime(prev time.Time, retry int) (time.Time, error) {
	factor := int64(1)
	var backoff int64
	for i := 1; i <= retry; i++ {
		backoff = factor * int64(b.incBackoff)
		if backoff > b.maxBackoff.Nanoseconds() {
			backoff = b.maxBackoff.Nanoseconds()
			break
		}
		factor = factor * 2
	}
	return prev.Add(time.Duration(backoff)), nil
}

type ExponentialBackoffOption func(*ExponentialBackoff)

func ExponentialBackoffIncOption(backoff time.Duration) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) {
		b.incBackoff = backoff
	}
}

func ExponentialBackoffMaxOption(backoff time.Duration) ExponentialBackoffOption {
	return func(b *ExponentialBackoff) {
		b.maxBackoff = backoff
	}
}

// FixedBackoff retries at the given delays, one per attempt, and then gives up.
type FixedBackoff struct {
	retries []time.Duration
}

func NewFixedBackoff(retries ...time.Duration) FixedBackoff {
	return FixedBackoff{retries: retries}
}

func (b FixedBackoff) NextRetryTime(prev time.Time, retry int) (time.Time, error) {
	if retry > 0 && retry <= len(b.retries) {
		return prev.Add(b.retries[retry-1]), nil
	}
	return time.Time{}, ErrFinished
}
