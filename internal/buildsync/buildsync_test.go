package buildsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/dropbox/changes-sub002/internal/store/storetest"
	"github.com/dropbox/changes-sub002/internal/tracked"
	"github.com/google/uuid"
)

type message struct {
	name   string
	kwargs models.Kwargs
}

type recordingQueue struct {
	mu   sync.Mutex
	msgs []message
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, kwargs models.Kwargs, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, message{name, kwargs})
	return nil
}

func (q *recordingQueue) Retry(ctx context.Context, name string, kwargs models.Kwargs, countdown time.Duration) error {
	return q.Enqueue(ctx, name, kwargs, countdown)
}

// drain hands every queued message of name to the runtime.
func (q *recordingQueue) drain(t *testing.T, rt *tracked.Runtime, name string) int {
	t.Helper()
	q.mu.Lock()
	var run, keep []message
	for _, m := range q.msgs {
		if m.name == name {
			run = append(run, m)
		} else {
			keep = append(keep, m)
		}
	}
	q.msgs = keep
	q.mu.Unlock()

	for _, m := range run {
		if err := rt.Dispatch(context.Background(), m.name, m.kwargs); err != nil {
			t.Fatalf("dispatch %s: %v", m.name, err)
		}
	}
	return len(run)
}

func setStep(t *testing.T, st *store.Store, id uuid.UUID, status models.Status, result models.Result) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.UpdateJobStep(ctx, id, store.EntityUpdate{Status: &status, Result: &result}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestSyncBuild_FansOutAndFinishes(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.NewFixtures(t, st)
	q := &recordingQueue{}
	rt := tracked.New(st, q, tracked.NoopLocks{}, tracked.DefaultOptions())
	tasks := Register(rt)

	build := fx.Build("p", 1)
	j1 := fx.Job(build, models.StatusQueued)
	j2 := fx.Job(build, models.StatusQueued)
	s1 := fx.Step(j1, "", fx.Now)
	s2 := fx.Step(j2, "", fx.Now)

	if err := tasks.SyncBuild.Delay(context.Background(), SyncBuildKwargs(build.ID)); err != nil {
		t.Fatalf("delay: %v", err)
	}
	if n := q.drain(t, rt, SyncBuildName); n != 1 {
		t.Fatalf("ran %d sync_build messages", n)
	}
	// one sync_job per job
	if n := q.drain(t, rt, SyncJobName); n != 2 {
		t.Fatalf("ran %d sync_job messages, want 2", n)
	}

	job, err := st.GetJob(context.Background(), j1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusPendingAllocation {
		t.Fatalf("job status = %s, want pending_allocation", job.Status)
	}

	setStep(t, st, s1.ID, models.StatusFinished, models.ResultPassed)
	setStep(t, st, s2.ID, models.StatusFinished, models.ResultFailed)

	// continuations of both syncs are queued; run jobs first, then the build
	q.drain(t, rt, SyncJobName)
	q.drain(t, rt, SyncBuildName)

	job, err = st.GetJob(context.Background(), j2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.StatusFinished || job.Result != models.ResultFailed {
		t.Fatalf("job = %s/%s, want finished/failed", job.Status, job.Result)
	}

	buildRow := fx.GetTask(models.TaskKey{TaskName: SyncBuildName, TaskID: build.ID.String()})
	if buildRow.Status != models.TaskFinished || buildRow.Result != models.ResultFailed {
		t.Fatalf("sync_build row = %s/%s", buildRow.Status, buildRow.Result)
	}

	tx, err := st.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	b, err := tx.GetBuild(context.Background(), build.ID)
	_ = tx.Rollback()
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.StatusFinished || b.Result != models.ResultFailed {
		t.Fatalf("build = %s/%s, want finished/failed", b.Status, b.Result)
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		statuses []models.Status
		results  []models.Result
		want     models.Status
		result   models.Result
	}{
		{[]models.Status{"pending_allocation", "pending_allocation"}, []models.Result{"unknown", "unknown"}, models.StatusPendingAllocation, models.ResultUnknown},
		{[]models.Status{"allocated", "pending_allocation"}, []models.Result{"unknown", "unknown"}, models.StatusAllocated, models.ResultUnknown},
		{[]models.Status{"finished", "pending_allocation"}, []models.Result{"passed", "unknown"}, models.StatusInProgress, models.ResultUnknown},
		{[]models.Status{"finished", "finished"}, []models.Result{"passed", "passed"}, models.StatusFinished, models.ResultPassed},
		{[]models.Status{"finished", "finished"}, []models.Result{"failed", "aborted"}, models.StatusFinished, models.ResultAborted},
	}
	for i, tc := range cases {
		status, result := summarize(tc.statuses, tc.results)
		if status != tc.want || result != tc.result {
			t.Errorf("case %d: got %s/%s, want %s/%s", i, status, result, tc.want, tc.result)
		}
	}
}
