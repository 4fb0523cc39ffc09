package queue

import (
	"context"
	"log"
	"time"
)

// redeliveryCap bounds the wait between two attempts at the same message.
const redeliveryCap = 30 * time.Second

// Handle runs fn on d until it succeeds and then acks d. A Kafka consumer
// group never hands back a message it has moved past, and the next Ack
// commits over it, so a failing message is retried in place instead of
// being left behind. It returns ctx's error if ctx ends first; d is not
// acked in that case.
func Handle(ctx context.Context, d Delivery, initial time.Duration, fn func(ctx context.Context, msg TaskMessage) error) error {
	err := retryInPlace(ctx, initial, func(ctx context.Context) error {
		return fn(ctx, d.Msg)
	}, func(attempt int, err error) {
		log.Printf("queue: %s failed (attempt %d), retrying: %v", d.Msg.Key(), attempt, err)
	})
	if err != nil {
		return err
	}
	return d.Ack(ctx)
}

// retryInPlace calls fn until it returns nil, doubling the pause after each
// failure from initial up to redeliveryCap.
func retryInPlace(ctx context.Context, initial time.Duration, fn func(ctx context.Context) error, onErr func(attempt int, err error)) error {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	policy := RetryPolicy{MaxBackoff: redeliveryCap}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onErr(attempt, err)
		if !sleep(ctx, policy.Backoff(initial, attempt)) {
			return ctx.Err()
		}
	}
}

// sleep waits for d and reports whether it did so before ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
