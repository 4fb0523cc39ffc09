package queue

import (
	"errors"
	"math/rand"
	"time"
)

// ErrRetryLimit is returned by Retry once an invocation has used up the
// queue's retry budget. The message is not published.
var ErrRetryLimit = errors.New("queue: retry limit reached")

// RetryPolicy is the queue-side backoff and limit applied to Retry calls.
type RetryPolicy struct {
	MaxRetries int
	MaxBackoff time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 50, MaxBackoff: 30 * time.Minute}
}

// Backoff returns the delay before the retry numbered attempt (1-based):
// countdown doubled per previous attempt, capped at MaxBackoff, plus up to
// 25% jitter so that a burst of failures doesn't come back at once.
func (p RetryPolicy) Backoff(countdown time.Duration, attempt int) time.Duration {
	d := p.base(countdown, attempt)
	if q := int64(d / 4); q > 0 {
		d += time.Duration(rand.Int63n(q))
	}
	return d
}

// MaxDelay is the longest Backoff can return for attempt, jitter included.
func (p RetryPolicy) MaxDelay(countdown time.Duration, attempt int) time.Duration {
	d := p.base(countdown, attempt)
	return d + d/4
}

func (p RetryPolicy) base(countdown time.Duration, attempt int) time.Duration {
	d := countdown
	for i := 1; i < attempt && i < 32 && (p.MaxBackoff <= 0 || d < p.MaxBackoff); i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// next validates a retry and returns its attempt number and delay.
func (p RetryPolicy) next(current int, countdown time.Duration) (int, time.Duration, error) {
	attempt := current + 1
	if p.MaxRetries > 0 && attempt > p.MaxRetries {
		return current, 0, ErrRetryLimit
	}
	return attempt, p.Backoff(countdown, attempt), nil
}
