// Package sweeper repairs state left behind by dead workers and agents.
//
// Anything unfinished that hasn't moved for CheckAfter gets a nudge: its
// modification time is touched and its sync is submitted again. Anything
// still unfinished ExpireAfter after it was created is declared dead and
// finished as aborted; nudges don't push that deadline back. Steps whose
// agent stopped sending heartbeats are aborted after StepHeartbeatTimeout.
package sweeper

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/dropbox/changes-sub002/internal/buildsync"
	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/queue"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Queue is what the sweeper publishes through.
type Queue interface {
	Enqueue(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error
	// Resubmit publishes an invocation now, keeping its retry count.
	Resubmit(ctx context.Context, name string, kwargs models.Kwargs, attempt int) error
}

type Notifier interface {
	JobAborted(ctx context.Context, job models.Job) error
}

type NoopNotifier struct{}

func (NoopNotifier) JobAborted(context.Context, models.Job) error { return nil }

type Options struct {
	CheckAfter           time.Duration
	ExpireAfter          time.Duration
	StepHeartbeatTimeout time.Duration
	BatchSize            int

	// Retry and RetryDelay mirror the workers' settings. A failed task is
	// left alone while the retry they scheduled for it may still be waiting.
	Retry      queue.RetryPolicy
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		CheckAfter:           5 * time.Minute,
		ExpireAfter:          6 * time.Hour,
		StepHeartbeatTimeout: 10 * time.Minute,
		BatchSize:            500,
		Retry:                queue.DefaultRetryPolicy(),
		RetryDelay:           60 * time.Second,
	}
}

// Report counts what one pass did.
type Report struct {
	TasksExpired     int
	TasksResubmitted int
	TasksRetrying    int
	JobsExpired      int
	JobsResubmitted  int
	StepsExpired     int
}

type Sweeper struct {
	store    *store.Store
	queue    Queue
	notifier Notifier
	opts     Options
	now      func() time.Time

	actions metric.Int64Counter
}

func New(st *store.Store, q Queue, n Notifier, opts Options) *Sweeper {
	if n == nil {
		n = NoopNotifier{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	counter, err := otel.Meter("github.com/dropbox/changes-sub002/internal/sweeper").Int64Counter(
		"sweeper.actions",
		metric.WithDescription("Entities the sweeper expired or resubmitted."),
	)
	if err != nil {
		otel.Handle(err)
	}
	return &Sweeper{
		store:    st,
		queue:    q,
		notifier: n,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		actions:  counter,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		r, err := s.SweepOnce(ctx)
		if err != nil {
			log.Println("sweeper: pass failed:", err)
		} else if r != (Report{}) {
			log.Printf("sweeper: %+v", r)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (Report, error) {
	var r Report
	if err := s.sweepTasks(ctx, &r); err != nil {
		return r, err
	}
	if err := s.sweepJobs(ctx, &r); err != nil {
		return r, err
	}
	if err := s.sweepSteps(ctx, &r); err != nil {
		return r, err
	}
	return r, nil
}

func (s *Sweeper) sweepTasks(ctx context.Context, r *Report) error {
	now := s.now()
	tasks, err := s.store.StaleTasks(ctx, now.Add(-s.opts.CheckAfter), s.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		expire := now.Sub(task.DateCreated) > s.opts.ExpireAfter
		if !expire && s.retryPending(task, now) {
			r.TasksRetrying++
			continue
		}
		err := s.write(ctx, func(tx *store.Tx) error {
			if expire {
				status, result := models.TaskFinished, models.ResultAborted
				return tx.UpdateTask(ctx, task.Key(), store.TaskUpdate{
					Status:       &status,
					Result:       &result,
					DateModified: &now,
					DateFinished: &now,
				})
			}
			return tx.UpdateTask(ctx, task.Key(), store.TaskUpdate{DateModified: &now})
		})
		if errors.Is(err, store.ErrTaskFinished) {
			continue
		}
		if err != nil {
			return err
		}

		if expire {
			log.Printf("sweeper: task %s expired", task.Key())
			r.TasksExpired++
			s.count(ctx, "task", "expired")
			continue
		}
		if err := s.queue.Resubmit(ctx, task.TaskName, replayKwargs(task), task.NumRetries); err != nil {
			return err
		}
		r.TasksResubmitted++
		s.count(ctx, "task", "resubmitted")
	}
	return nil
}

func (s *Sweeper) sweepJobs(ctx context.Context, r *Report) error {
	now := s.now()
	jobs, err := s.store.StaleJobs(ctx, now.Add(-s.opts.CheckAfter), s.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		expire := now.Sub(job.DateCreated) > s.opts.ExpireAfter
		acted := false
		err := s.write(ctx, func(tx *store.Tx) error {
			var err error
			if expire {
				acted, err = abortJob(ctx, tx, job.ID, now)
				return err
			}
			cur, err := tx.GetJob(ctx, job.ID)
			if err != nil || cur == nil || cur.Status == models.StatusFinished {
				return err
			}
			acted = true
			return tx.UpdateJob(ctx, job.ID, store.EntityUpdate{DateModified: &now})
		})
		if err != nil {
			return err
		}
		if !acted {
			continue
		}

		if !expire {
			if err := s.queue.Enqueue(ctx, buildsync.SyncJobName, buildsync.SyncJobKwargs(job.ID, job.BuildID), 0); err != nil {
				return err
			}
			r.JobsResubmitted++
			s.count(ctx, "job", "resubmitted")
			continue
		}

		log.Printf("sweeper: job %s expired", job.ID)
		r.JobsExpired++
		s.count(ctx, "job", "expired")
		if err := s.notifier.JobAborted(ctx, job); err != nil {
			log.Println("sweeper: notify failed:", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepSteps(ctx context.Context, r *Report) error {
	now := s.now()
	cutoff := now.Add(-s.opts.StepHeartbeatTimeout)
	steps, err := s.store.SilentJobSteps(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, step := range steps {
		var job *models.Job
		aborted := false
		err := s.write(ctx, func(tx *store.Tx) error {
			cur, err := tx.GetJobStep(ctx, step.ID)
			if err != nil || cur == nil || !cur.Status.IsActive() {
				return err
			}
			status, result := models.StatusFinished, models.ResultAborted
			if err := tx.UpdateJobStep(ctx, step.ID, store.EntityUpdate{
				Status:       &status,
				Result:       &result,
				DateModified: &now,
				DateFinished: &now,
			}); err != nil {
				return err
			}
			aborted = true
			job, err = tx.GetJob(ctx, step.JobID)
			return err
		})
		if err != nil {
			return err
		}
		if !aborted {
			continue
		}

		log.Printf("sweeper: jobstep %s lost its agent", step.ID)
		r.StepsExpired++
		s.count(ctx, "step", "expired")
		if job != nil {
			if err := s.queue.Enqueue(ctx, buildsync.SyncJobName, buildsync.SyncJobKwargs(job.ID, job.BuildID), 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// abortJob finishes the job and its unfinished steps as aborted. It reports
// false, and writes nothing, when the job is gone or already finished.
func abortJob(ctx context.Context, tx *store.Tx, id uuid.UUID, now time.Time) (bool, error) {
	job, err := tx.GetJob(ctx, id)
	if err != nil || job == nil || job.Status == models.StatusFinished {
		return false, err
	}

	status, result := models.StatusFinished, models.ResultAborted
	u := store.EntityUpdate{
		Status:       &status,
		Result:       &result,
		DateModified: &now,
		DateFinished: &now,
	}
	if err := tx.UpdateJob(ctx, id, u); err != nil {
		return false, err
	}
	steps, err := tx.ListJobSteps(ctx, id)
	if err != nil {
		return false, err
	}
	for _, step := range steps {
		if step.Status == models.StatusFinished {
			continue
		}
		if err := tx.UpdateJobStep(ctx, step.ID, u); err != nil {
			return false, err
		}
	}
	return true, nil
}

// retryPending reports whether a failed task may still have a delayed retry
// waiting in the queue. Resubmitting it then would only duplicate that retry.
func (s *Sweeper) retryPending(task models.Task, now time.Time) bool {
	if task.NumRetries == 0 {
		return false
	}
	wait := s.opts.Retry.MaxDelay(s.opts.RetryDelay, task.NumRetries)
	return now.Sub(task.DateModified) < s.opts.CheckAfter+wait
}

func (s *Sweeper) write(ctx context.Context, fn func(tx *store.Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Sweeper) count(ctx context.Context, kind, action string) {
	if s.actions == nil {
		return
	}
	s.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("action", action),
	))
}

// replayKwargs rebuilds the invocation of a stored task. Rows written before
// data was recorded only get their identity back.
func replayKwargs(task models.Task) models.Kwargs {
	kwargs := task.Data.Clone()
	kwargs[models.KwargTaskID] = task.TaskID
	if task.ParentID.Valid {
		kwargs[models.KwargParentTaskID] = task.ParentID.String
	}
	return kwargs
}
