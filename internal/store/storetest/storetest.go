// Package storetest opens throwaway SQLite stores and seeds them for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

// New opens a store in a temporary directory that is removed with the test.
func New(t testing.TB) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "changes.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Fixtures creates builds, jobs and steps with sensible defaults.
type Fixtures struct {
	T     testing.TB
	Store *store.Store
	Now   time.Time
}

func NewFixtures(t testing.TB, st *store.Store) *Fixtures {
	return &Fixtures{T: t, Store: st, Now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (f *Fixtures) write(fn func(ctx context.Context, tx *store.Tx) error) {
	f.T.Helper()
	ctx := context.Background()
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		f.T.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(ctx, tx); err != nil {
		f.T.Fatalf("seed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		f.T.Fatalf("commit: %v", err)
	}
}

func (f *Fixtures) Build(project string, priority int) models.Build {
	f.T.Helper()
	b := models.Build{
		ID:           uuid.New(),
		ProjectID:    project,
		Priority:     priority,
		Status:       models.StatusQueued,
		Result:       models.ResultUnknown,
		DateCreated:  f.Now,
		DateModified: f.Now,
	}
	f.write(func(ctx context.Context, tx *store.Tx) error { return tx.CreateBuild(ctx, b) })
	return b
}

func (f *Fixtures) Job(b models.Build, status models.Status) models.Job {
	f.T.Helper()
	j := models.Job{
		ID:           uuid.New(),
		BuildID:      b.ID,
		ProjectID:    b.ProjectID,
		Status:       status,
		Result:       models.ResultUnknown,
		DateCreated:  f.Now,
		DateModified: f.Now,
	}
	f.write(func(ctx context.Context, tx *store.Tx) error { return tx.CreateJob(ctx, j) })
	return j
}

// Step creates a step in pending_allocation.
func (f *Fixtures) Step(j models.Job, cluster string, created time.Time) models.JobStep {
	f.T.Helper()
	s := models.JobStep{
		ID:           uuid.New(),
		JobID:        j.ID,
		ProjectID:    j.ProjectID,
		Label:        "step",
		Status:       models.StatusPendingAllocation,
		Result:       models.ResultUnknown,
		Cluster:      null.NewString(cluster, cluster != ""),
		DateCreated:  created,
		DateModified: created,
	}
	f.write(func(ctx context.Context, tx *store.Tx) error { return tx.CreateJobStep(ctx, s) })
	return s
}

// SetStepStatus forces a step into status.
func (f *Fixtures) SetStepStatus(id uuid.UUID, status models.Status) {
	f.T.Helper()
	f.write(func(ctx context.Context, tx *store.Tx) error {
		return tx.UpdateJobStep(ctx, id, store.EntityUpdate{Status: &status})
	})
}

// Task inserts a ledger row as-is.
func (f *Fixtures) Task(task models.Task) models.Task {
	f.T.Helper()
	f.write(func(ctx context.Context, tx *store.Tx) error { return tx.CreateTask(ctx, task) })
	return task
}

// GetTask reads a ledger row, failing the test on error.
func (f *Fixtures) GetTask(key models.TaskKey) *models.Task {
	f.T.Helper()
	var out *models.Task
	f.write(func(ctx context.Context, tx *store.Tx) error {
		var err error
		out, err = tx.GetTask(ctx, key)
		return err
	})
	return out
}
