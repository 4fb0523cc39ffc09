package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dropbox/changes-sub002/internal/lock"
	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/dropbox/changes-sub002/internal/store/storetest"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

func newTestCommitter(t *testing.T) (*Committer, *store.Store, *storetest.Fixtures, *lock.RedisLocker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := storetest.New(t)
	locker := lock.NewRedisLocker(rdb)
	return NewCommitter(st, locker), st, storetest.NewFixtures(t, st), locker
}

func stepStatus(t *testing.T, st *store.Store, id uuid.UUID) models.Status {
	t.Helper()
	s, err := st.GetJobStep(context.Background(), id)
	if err != nil || s == nil {
		t.Fatalf("get step %s: %v", id, err)
	}
	return s.Status
}

func TestLockKey(t *testing.T) {
	if got := LockKey(null.String{}); got != "jobstep:allocate" {
		t.Fatalf("default key = %q", got)
	}
	if got := LockKey(null.StringFrom("a")); got != "jobstep:allocate:a" {
		t.Fatalf("cluster key = %q", got)
	}
}

func TestAllocate_Success(t *testing.T) {
	c, st, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s1 := fx.Step(job, "a", fx.Now)
	s2 := fx.Step(job, "a", fx.Now)

	got, err := c.Allocate(context.Background(), []uuid.UUID{s1.ID, s2.ID, s1.ID}, null.StringFrom("a"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("allocated %v", got)
	}
	for _, id := range got {
		if s := stepStatus(t, st, id); s != models.StatusAllocated {
			t.Fatalf("step %s is %s", id, s)
		}
	}
}

func TestAllocate_WholeBatchRejected(t *testing.T) {
	c, st, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	ok := fx.Step(job, "a", fx.Now)
	taken := fx.Step(job, "a", fx.Now)
	other := fx.Step(job, "b", fx.Now)
	fx.SetStepStatus(taken.ID, models.StatusAllocated)

	cases := []struct {
		name string
		ids  []uuid.UUID
		bad  uuid.UUID
	}{
		{"already allocated", []uuid.UUID{ok.ID, taken.ID}, taken.ID},
		{"wrong cluster", []uuid.UUID{ok.ID, other.ID}, other.ID},
		{"unknown step", []uuid.UUID{ok.ID, uuid.Nil}, uuid.Nil},
	}
	for _, tc := range cases {
		_, err := c.Allocate(context.Background(), tc.ids, null.StringFrom("a"))
		var ae *AllocationError
		if !errors.As(err, &ae) {
			t.Fatalf("%s: err = %v, want *AllocationError", tc.name, err)
		}
		if ae.StepID != tc.bad {
			t.Fatalf("%s: error names %s, want %s", tc.name, ae.StepID, tc.bad)
		}
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("%s: error does not match ErrConflict", tc.name)
		}
		if s := stepStatus(t, st, ok.ID); s != models.StatusPendingAllocation {
			t.Fatalf("%s: partially allocated, valid step is %s", tc.name, s)
		}
	}
}

func TestAllocate_DefaultPoolDoesNotMatchCluster(t *testing.T) {
	c, _, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s := fx.Step(job, "a", fx.Now)

	if _, err := c.Allocate(context.Background(), []uuid.UUID{s.ID}, null.String{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestAllocate_LockHeld(t *testing.T) {
	c, _, fx, locker := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s := fx.Step(job, "a", fx.Now)

	held, err := locker.Acquire(context.Background(), LockKey(null.StringFrom("a")), lock.Options{Hold: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer locker.Release(context.Background(), held)

	if _, err := c.Allocate(context.Background(), []uuid.UUID{s.ID}, null.StringFrom("a")); !errors.Is(err, ErrAllocationInProgress) {
		t.Fatalf("err = %v, want ErrAllocationInProgress", err)
	}
	// another cluster is not blocked
	sb := fx.Step(job, "b", fx.Now)
	if _, err := c.Allocate(context.Background(), []uuid.UUID{sb.ID}, null.StringFrom("b")); err != nil {
		t.Fatalf("cluster b: %v", err)
	}
}

func TestAllocate_ConcurrentCommitsClaimOnce(t *testing.T) {
	c, _, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s1 := fx.Step(job, "a", fx.Now)
	s2 := fx.Step(job, "a", fx.Now)
	s3 := fx.Step(job, "a", fx.Now)

	batches := [][]uuid.UUID{{s1.ID, s2.ID}, {s2.ID, s3.ID}}
	errs := make([]error, len(batches))
	var wg sync.WaitGroup
	for i, ids := range batches {
		wg.Add(1)
		go func(i int, ids []uuid.UUID) {
			defer wg.Done()
			_, errs[i] = c.Allocate(context.Background(), ids, null.StringFrom("a"))
		}(i, ids)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAllocationInProgress), errors.Is(err, ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d commits succeeded for overlapping batches, want 1 (errs=%v)", succeeded, errs)
	}
}

func TestAllocate_SecondCommitNamesStep(t *testing.T) {
	c, _, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s := fx.Step(job, "a", fx.Now)

	if _, err := c.Allocate(context.Background(), []uuid.UUID{s.ID}, null.StringFrom("a")); err != nil {
		t.Fatal(err)
	}
	_, err := c.Allocate(context.Background(), []uuid.UUID{s.ID}, null.StringFrom("a"))
	var ae *AllocationError
	if !errors.As(err, &ae) || ae.StepID != s.ID || ae.Reason != "already allocated" {
		t.Fatalf("err = %v", err)
	}
}

func TestDeallocate(t *testing.T) {
	c, st, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s := fx.Step(job, "", fx.Now)

	_, err := c.Deallocate(context.Background(), s.ID)
	var se *StateError
	if !errors.As(err, &se) || se.Status != models.StatusPendingAllocation {
		t.Fatalf("deallocating a pending step: err = %v", err)
	}

	fx.SetStepStatus(s.ID, models.StatusAllocated)
	got, err := c.Deallocate(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("deallocate: %v", err)
	}
	if got.Status != models.StatusPendingAllocation || stepStatus(t, st, s.ID) != models.StatusPendingAllocation {
		t.Fatalf("step not back to pending: %+v", got)
	}

	if _, err := c.Deallocate(context.Background(), uuid.New()); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("unknown step: err = %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	c, st, fx, _ := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusAllocated)
	s := fx.Step(job, "", fx.Now)

	var se *StateError
	if _, err := c.Heartbeat(context.Background(), s.ID); !errors.As(err, &se) || se.Op != "heartbeat" {
		t.Fatalf("heartbeat on pending step: err = %v", err)
	}

	fx.SetStepStatus(s.ID, models.StatusAllocated)
	got, err := c.Heartbeat(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got.Status != models.StatusInProgress || !got.LastHeartbeat.Valid {
		t.Fatalf("step = %+v", got)
	}
	stored, err := st.GetJobStep(context.Background(), s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusInProgress || !stored.LastHeartbeat.Valid || !stored.DateStarted.Valid {
		t.Fatalf("stored step = %+v", stored)
	}
}

// cancellingLocker cancels the caller's context once the lock is taken and
// records the state of the context Release gets.
type cancellingLocker struct {
	cancel     context.CancelFunc
	released   bool
	releaseErr error
}

func (l *cancellingLocker) Acquire(_ context.Context, key string, opts lock.Options) (*lock.Lock, error) {
	l.cancel()
	return &lock.Lock{Key: key, Token: "t", AcquiredAt: time.Now(), Hold: opts.Hold}, nil
}

func (l *cancellingLocker) Release(ctx context.Context, _ *lock.Lock) {
	l.released = true
	l.releaseErr = ctx.Err()
}

func TestAllocate_ReleasesLockAfterClientGoesAway(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.NewFixtures(t, st)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s := fx.Step(job, "a", fx.Now)

	ctx, cancel := context.WithCancel(context.Background())
	locker := &cancellingLocker{cancel: cancel}
	c := NewCommitter(st, locker)

	if _, err := c.Allocate(ctx, []uuid.UUID{s.ID}, null.StringFrom("a")); err == nil {
		t.Fatal("allocate succeeded on a cancelled request")
	}
	if !locker.released {
		t.Fatal("lock not released")
	}
	if locker.releaseErr != nil {
		t.Fatalf("release ran with a dead context: %v", locker.releaseErr)
	}
	if got := stepStatus(t, st, s.ID); got != models.StatusPendingAllocation {
		t.Fatalf("step is %s", got)
	}
}

func TestAllocate_ReleasesRedisLockWithCancelledContext(t *testing.T) {
	c, _, fx, locker := newTestCommitter(t)
	job := fx.Job(fx.Build("p", 0), models.StatusPendingAllocation)
	s := fx.Step(job, "a", fx.Now)

	ctx, cancel := context.WithCancel(context.Background())
	l, err := locker.Acquire(ctx, LockKey(null.StringFrom("a")), lock.Options{Hold: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	c.release(ctx, l)

	// the key is free again, so the next commit goes through
	if _, err := c.Allocate(context.Background(), []uuid.UUID{s.ID}, null.StringFrom("a")); err != nil {
		t.Fatalf("allocate after release: %v", err)
	}
}
