package queue

import (
	"context"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
)

// TaskMessage asks a worker to run the tracked task Name with Kwargs.
type TaskMessage struct {
	Name   string        `json:"name"`
	Kwargs models.Kwargs `json:"kwargs"`
	// Attempt counts queue-level retries already spent on this invocation.
	Attempt int   `json:"attempt"`
	RunAt   int64 `json:"run_at"` // epoch ms, 0 = immediately
}

// Key is used as the message key so that continuations of one task id land
// on the same partition.
func (m TaskMessage) Key() string {
	return m.Name + ":" + m.Kwargs[models.KwargTaskID]
}

// Delivery is one consumed message and the function that acknowledges it.
// Whether an unacked message is ever seen again depends on the backend, so
// consumers finish a delivery (see Handle) before asking for the next one.
type Delivery struct {
	Msg TaskMessage
	Ack func(ctx context.Context) error
}

// Publisher is the sending side of both queue backends.
type Publisher interface {
	Enqueue(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error
	Retry(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error
	Resubmit(ctx context.Context, name string, kwargs models.Kwargs, attempt int) error
}

type Consumer interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type attemptKey struct{}

// WithAttempt records the attempt of the message being processed so that a
// Retry issued while handling it continues the count.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey{}, attempt)
}

func AttemptFrom(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}
