package allocation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dropbox/changes-sub002/internal/lock"
	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const lockKeyPrefix = "jobstep:allocate"

// LockKey is the lock allocation commits for cluster serialize on. Commits
// for different clusters don't contend.
func LockKey(cluster null.String) string {
	if !cluster.Valid {
		return lockKeyPrefix
	}
	return lockKeyPrefix + ":" + cluster.String
}

type Committer struct {
	store    *store.Store
	locker   lock.Locker
	lockHold time.Duration
	now      func() time.Time

	waitHist metric.Float64Histogram
}

func NewCommitter(st *store.Store, locker lock.Locker) *Committer {
	meter := otel.Meter(instrumentationName)
	hist, err := meter.Float64Histogram("jobstep.allocation.wait",
		metric.WithUnit("s"),
		metric.WithDescription("Time a job step spent in pending_allocation before being allocated."),
	)
	if err != nil {
		otel.Handle(err)
	}
	return &Committer{
		store:    st,
		locker:   locker,
		lockHold: 10 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		waitHist: hist,
	}
}

// Allocate claims every step in ids for cluster or none of them. It fails
// with ErrAllocationInProgress when another commit for the cluster is
// running, and with an *AllocationError (matching ErrConflict) when a step is
// missing, in another cluster or no longer pending.
func (c *Committer) Allocate(ctx context.Context, ids []uuid.UUID, cluster null.String) ([]uuid.UUID, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return []uuid.UUID{}, nil
	}

	key := LockKey(cluster)
	l, err := c.locker.Acquire(ctx, key, lock.Options{Hold: c.lockHold, Blocking: false})
	if err != nil {
		if errors.Is(err, lock.ErrUnableToGetLock) {
			return nil, fmt.Errorf("%w: %s", ErrAllocationInProgress, key)
		}
		return nil, err
	}
	defer c.release(ctx, l)

	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, conflict(err)
	}
	defer tx.Rollback()

	now := c.now()
	claimed := make([]models.JobStep, 0, len(ids))
	for _, id := range ids {
		step, err := tx.GetJobStep(ctx, id)
		if err != nil {
			return nil, err
		}
		if step == nil {
			return nil, &AllocationError{StepID: id, Reason: "not found"}
		}
		if !sameCluster(step.Cluster, cluster) {
			return nil, &AllocationError{
				StepID: id,
				Reason: fmt.Sprintf("in cluster %q, not %q", step.Cluster.String, cluster.String),
			}
		}
		if step.Status != models.StatusPendingAllocation {
			return nil, &AllocationError{StepID: id, Reason: notPendingReason(step.Status)}
		}

		ok, err := tx.TransitionJobStep(ctx, id, models.StatusPendingAllocation, models.StatusAllocated, now)
		if err != nil {
			return nil, conflict(err)
		}
		if !ok {
			return nil, &AllocationError{StepID: id, Reason: "already allocated"}
		}
		claimed = append(claimed, *step)
	}

	if err := tx.Commit(); err != nil {
		return nil, conflict(err)
	}

	for _, step := range claimed {
		c.recordWait(ctx, step, cluster, now)
	}
	log.Printf("allocation: allocated %d jobsteps cluster=%q", len(ids), cluster.String)
	return ids, nil
}

// release frees l even when the caller's context is already cancelled, so a
// client that disconnects mid-request doesn't leave the cluster locked until
// the hold expires.
func (c *Committer) release(ctx context.Context, l *lock.Lock) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	c.locker.Release(rctx, l)
}

// Deallocate puts an allocated step back into pending_allocation. It doesn't
// take the allocation lock: it only moves a single step backwards, and
// Allocate re-checks status before claiming anything.
func (c *Committer) Deallocate(ctx context.Context, id uuid.UUID) (*models.JobStep, error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	step, err := tx.GetJobStep(ctx, id)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if step.Status != models.StatusAllocated {
		return nil, &StateError{StepID: id, Status: step.Status, Op: "deallocate"}
	}

	now := c.now()
	ok, err := tx.TransitionJobStep(ctx, id, models.StatusAllocated, models.StatusPendingAllocation, now)
	if err != nil {
		return nil, conflict(err)
	}
	if !ok {
		return nil, &StateError{StepID: id, Status: step.Status, Op: "deallocate"}
	}
	if err := tx.Commit(); err != nil {
		return nil, conflict(err)
	}

	step.Status = models.StatusPendingAllocation
	step.DateModified = now
	return step, nil
}

// Heartbeat records that the agent running step is alive. The first
// heartbeat of an allocated step moves it to in_progress.
func (c *Committer) Heartbeat(ctx context.Context, id uuid.UUID) (*models.JobStep, error) {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	step, err := tx.GetJobStep(ctx, id)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if !step.Status.IsActive() {
		return nil, &StateError{StepID: id, Status: step.Status, Op: "heartbeat"}
	}

	now := c.now()
	status := models.StatusInProgress
	if err := tx.UpdateJobStep(ctx, id, store.EntityUpdate{
		Status:        &status,
		DateModified:  &now,
		DateStarted:   &now,
		LastHeartbeat: &now,
	}); err != nil {
		return nil, conflict(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, conflict(err)
	}

	step.Status = status
	step.DateModified = now
	step.LastHeartbeat = null.TimeFrom(now)
	if !step.DateStarted.Valid {
		step.DateStarted = null.TimeFrom(now)
	}
	return step, nil
}

func (c *Committer) recordWait(ctx context.Context, step models.JobStep, cluster null.String, now time.Time) {
	if c.waitHist == nil {
		return
	}
	c.waitHist.Record(ctx, now.Sub(step.DateCreated).Seconds(), metric.WithAttributes(
		attribute.String("project", step.ProjectID),
		attribute.String("cluster", cluster.String),
	))
}

// conflict turns store write conflicts into ErrConflict so callers can retry
// the whole cycle.
func conflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func sameCluster(a, b null.String) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.String == b.String
}

func notPendingReason(s models.Status) string {
	if s == models.StatusAllocated {
		return "already allocated"
	}
	return fmt.Sprintf("status is %s", s)
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
