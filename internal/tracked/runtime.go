// Package tracked runs functions as retryable, resumable units of work whose
// progress is recorded in the task ledger.
//
// A tracked function is invoked from a queue message. Every invocation runs in
// one store transaction which is committed whatever the outcome, and the
// function tells the runtime how it went by returning an Outcome:
//
//	Finished()     the ledger row becomes finished
//	NotFinished()  the same invocation is enqueued again after ContinueDelay
//	Failed(err)    the function's writes are rolled back and a retry is
//	               requested from the queue after RetryDelay
package tracked

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/queue"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/guregu/null/v6"
)

var ErrUnknownTask = errors.New("tracked: unknown task")

// Enqueuer is the fire-and-forget primitive the runtime schedules work with.
// Retry differs from Enqueue in that the queue applies its own backoff and
// retry limit.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error
	Retry(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error
}

type Options struct {
	ContinueDelay time.Duration
	RetryDelay    time.Duration
	// RunTimeout and ExpireTimeout are the child thresholds used by
	// VerifyChildren: stale children are re-enqueued, expired ones aborted.
	RunTimeout    time.Duration
	ExpireTimeout time.Duration
	// SkipFinished makes a redelivered message for a finished row a no-op.
	// With it off the function runs again but the row stays finished.
	SkipFinished bool
}

func DefaultOptions() Options {
	return Options{
		ContinueDelay: 5 * time.Second,
		RetryDelay:    60 * time.Second,
		RunTimeout:    5 * time.Minute,
		ExpireTimeout: 60 * time.Minute,
		SkipFinished:  true,
	}
}

type Func func(ctx context.Context, c *Call) Outcome

type Runtime struct {
	store *store.Store
	queue Enqueuer
	locks Locks
	opts  Options
	now   func() time.Time

	mu    sync.RWMutex
	tasks map[string]*Task
}

func New(st *store.Store, q Enqueuer, locks Locks, opts Options) *Runtime {
	if locks == nil {
		locks = NewLockRegistry()
	}
	return &Runtime{
		store: st,
		queue: q,
		locks: locks,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
		tasks: make(map[string]*Task),
	}
}

// Register wraps fn as the tracked task name. Registering a name twice is a
// programming error.
func (r *Runtime) Register(name string, fn Func) *Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		panic("tracked: task registered twice: " + name)
	}
	t := &Task{rt: r, name: name, fn: fn}
	r.tasks[name] = t
	return t
}

func (r *Runtime) Lookup(name string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Dispatch runs the task a queue message names.
func (r *Runtime) Dispatch(ctx context.Context, name string, kwargs models.Kwargs) error {
	t, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return t.Run(ctx, kwargs)
}

type Task struct {
	rt   *Runtime
	name string
	fn   Func
}

func (t *Task) Name() string { return t.name }

// Delay submits a new invocation: a queued ledger row plus a queue message.
// kwargs must carry task_id. A triple that already has a row counts as
// already submitted and nothing is enqueued.
func (t *Task) Delay(ctx context.Context, kwargs models.Kwargs) error {
	taskID := kwargs[models.KwargTaskID]
	if taskID == "" {
		panic("tracked: Delay of " + t.name + " without " + models.KwargTaskID)
	}

	now := t.rt.now()
	row := models.Task{
		TaskName:     t.name,
		ParentID:     parentOf(kwargs),
		TaskID:       taskID,
		Status:       models.TaskQueued,
		Result:       models.ResultUnknown,
		Data:         kwargs.Clone(),
		DateCreated:  now,
		DateModified: now,
	}

	tx, err := t.rt.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.CreateTask(ctx, row); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			log.Printf("tracked: %s already submitted", row.Key())
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return t.rt.queue.Enqueue(ctx, t.name, kwargs, 0)
}

// Run executes one invocation. It is what the worker calls for every queue
// message. A returned error means the ledger or the queue could not be
// reached; the message should then be left unacknowledged so that it is
// delivered again. Failures of the function itself are never returned.
func (t *Task) Run(ctx context.Context, kwargs models.Kwargs) error {
	unlock := t.rt.locks.Lock(t.name)
	defer unlock()

	taskID := kwargs[models.KwargTaskID]
	if taskID == "" {
		log.Printf("tracked: %s called without %s, running untracked", t.name, models.KwargTaskID)
		if out := t.invoke(ctx, &Call{rt: t.rt, Kwargs: kwargs}); out.kind == outcomeFailed {
			log.Printf("tracked: untracked %s failed: %v", t.name, out.err)
		}
		return nil
	}

	key := models.TaskKey{TaskName: t.name, ParentID: parentOf(kwargs), TaskID: taskID}

	tx, err := t.rt.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := t.rt.now()
	row, err := tx.GetTask(ctx, key)
	if err != nil {
		return err
	}

	alreadyFinished := row != nil && row.Status == models.TaskFinished
	switch {
	case alreadyFinished && t.rt.opts.SkipFinished:
		log.Printf("tracked: %s already finished, skipping", key)
		return nil
	case alreadyFinished:
		log.Printf("tracked: %s already finished, running again", key)
	case row == nil:
		row = &models.Task{
			TaskName:     key.TaskName,
			ParentID:     key.ParentID,
			TaskID:       key.TaskID,
			Status:       models.TaskInProgress,
			Result:       models.ResultUnknown,
			Data:         kwargs.Clone(),
			DateCreated:  now,
			DateModified: now,
			DateStarted:  null.TimeFrom(now),
		}
		if err := tx.CreateTask(ctx, *row); err != nil {
			return err
		}
	default:
		status := models.TaskInProgress
		if err := tx.UpdateTask(ctx, key, store.TaskUpdate{
			Status:       &status,
			DateModified: &now,
			DateStarted:  &now,
		}); err != nil {
			return err
		}
	}

	call := &Call{
		rt:       t.rt,
		Tx:       tx,
		Kwargs:   kwargs,
		TaskID:   taskID,
		ParentID: key.ParentID,
		Task:     row,
	}
	out := t.invoke(ctx, call)

	if alreadyFinished {
		// the row is terminal: keep the function's effects, schedule nothing
		if out.kind == outcomeFailed {
			log.Printf("tracked: %s rerun failed: %v", key, out.err)
			return nil
		}
		return tx.Commit()
	}

	switch out.kind {
	case outcomeFinished:
		now = t.rt.now()
		status := models.TaskFinished
		result := models.ResultPassed
		if call.result != "" {
			result = call.result
		}
		if err := tx.UpdateTask(ctx, key, store.TaskUpdate{
			Status:       &status,
			Result:       &result,
			DateModified: &now,
			DateStarted:  &now,
			DateFinished: &now,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return call.flush(ctx)

	case outcomeNotFinished:
		now = t.rt.now()
		status := models.TaskInProgress
		if err := tx.UpdateTask(ctx, key, store.TaskUpdate{
			Status:       &status,
			DateModified: &now,
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if err := call.flush(ctx); err != nil {
			return err
		}
		return t.rt.queue.Enqueue(ctx, t.name, kwargs, t.rt.opts.ContinueDelay)

	default:
		_ = tx.Rollback()
		log.Printf("tracked: %s failed (retries=%d kwargs=%v): %v", key, row.NumRetries, kwargs, out.err)
		return t.retry(ctx, key, kwargs)
	}
}

// retry records a failed invocation in a fresh transaction and hands it to
// the queue's retry primitive. When the queue refuses because its retry
// budget is spent the row is finished as failed.
func (t *Task) retry(ctx context.Context, key models.TaskKey, kwargs models.Kwargs) error {
	tx, err := t.rt.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := t.rt.now()
	row, err := tx.GetTask(ctx, key)
	if err != nil {
		return err
	}
	if row == nil {
		// the row was created by the rolled back invocation
		err = tx.CreateTask(ctx, models.Task{
			TaskName:     key.TaskName,
			ParentID:     key.ParentID,
			TaskID:       key.TaskID,
			Status:       models.TaskInProgress,
			Result:       models.ResultUnknown,
			NumRetries:   1,
			Data:         kwargs.Clone(),
			DateCreated:  now,
			DateModified: now,
			DateStarted:  null.TimeFrom(now),
		})
	} else {
		if err = tx.IncrementRetries(ctx, key, now); err == nil {
			status := models.TaskInProgress
			err = tx.UpdateTask(ctx, key, store.TaskUpdate{Status: &status, DateModified: &now})
		}
	}
	if err != nil {
		return err
	}

	err = t.rt.queue.Retry(ctx, t.name, kwargs, t.rt.opts.RetryDelay)
	if errors.Is(err, queue.ErrRetryLimit) {
		log.Printf("tracked: %s out of retries, giving up", key)
		status, result := models.TaskFinished, models.ResultFailed
		err = tx.UpdateTask(ctx, key, store.TaskUpdate{
			Status:       &status,
			Result:       &result,
			DateModified: &now,
			DateFinished: &now,
		})
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// invoke runs fn, turning a panic into a Failed outcome.
func (t *Task) invoke(ctx context.Context, c *Call) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Failed(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	return t.fn(ctx, c)
}

func parentOf(kwargs models.Kwargs) null.String {
	p := kwargs[models.KwargParentTaskID]
	return null.NewString(p, p != "")
}
