// Package lock provides a mutual-exclusion primitive keyed by a string and
// backed by a shared store. Locks expire on their own after Options.Hold so a
// crashed holder never wedges the key.
//
// There is no transactional link between a lock and application data: after
// acquiring, callers must re-read whatever state they intend to change.
package lock

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

var ErrUnableToGetLock = errors.New("unable to get lock")

type Options struct {
	// Hold is how long the store keeps the lock before expiring it.
	Hold time.Duration
	// Wait bounds how long a blocking Acquire keeps retrying.
	Wait time.Duration
	// Blocking=false fails immediately when the key is taken.
	Blocking bool
	// PollInterval is the mean delay between attempts; each wait is jittered.
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Hold:         10 * time.Second,
		Wait:         5 * time.Second,
		Blocking:     true,
		PollInterval: 100 * time.Millisecond,
	}
}

// Lock is a held lock. Token identifies the owner so that release never
// deletes a lock someone else acquired after ours expired.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	Hold       time.Duration
}

type Locker interface {
	Acquire(ctx context.Context, key string, opts Options) (*Lock, error)
	// Release is best effort: failures are logged, never returned.
	Release(ctx context.Context, l *Lock)
}

// tryFunc makes one attempt to take key for hold with token.
type tryFunc func(ctx context.Context, key, token string, hold time.Duration) (bool, error)

// acquire runs the shared polling loop around a backend's single attempt.
func acquire(ctx context.Context, key string, opts Options, try tryFunc) (*Lock, error) {
	if opts.Hold <= 0 {
		opts.Hold = DefaultOptions().Hold
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	token := uuid.NewString()
	deadline := time.Now().Add(opts.Wait)

	for {
		ok, err := try(ctx, key, token, opts.Hold)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{Key: key, Token: token, AcquiredAt: time.Now(), Hold: opts.Hold}, nil
		}
		if !opts.Blocking || !time.Now().Before(deadline) {
			return nil, ErrUnableToGetLock
		}

		wait := jitter(opts.PollInterval)
		if remaining := time.Until(deadline); wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// jitter spreads competing pollers over [d/2, 3d/2).
func jitter(d time.Duration) time.Duration {
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(2*half))
}
