package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/dropbox/changes-sub002/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

func pending(project string, job models.Status, priority int, created time.Time) store.PendingStep {
	return store.PendingStep{
		Step: models.JobStep{
			ID:          uuid.New(),
			ProjectID:   project,
			Status:      models.StatusPendingAllocation,
			DateCreated: created,
		},
		JobStatus:     job,
		BuildPriority: priority,
	}
}

func TestRank_ContinuationBeatsPriority(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := pending("p1", models.StatusInProgress, 2, t0)
	b := pending("p2", models.StatusPendingAllocation, 5, t0.Add(-time.Second))

	got := rank([]store.PendingStep{b, a}, nil, 10, 10)
	if len(got) != 2 {
		t.Fatalf("got %d candidates", len(got))
	}
	if got[0].Step.ID != a.Step.ID || got[0].Tier != TierContinuation {
		t.Fatalf("first = %v (%s), want the in-progress job's step", got[0].Step.ID, got[0].Tier)
	}
	if got[1].Tier != TierFresh {
		t.Fatalf("second tier = %s", got[1].Tier)
	}
}

func TestRank_OrderWithinTier(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	low := pending("p", models.StatusQueued, 1, t0)
	old := pending("p", models.StatusQueued, 3, t0.Add(-time.Minute))
	young := pending("p", models.StatusQueued, 3, t0)

	got := rank([]store.PendingStep{low, young, old}, nil, 10, 10)
	want := []uuid.UUID{old.Step.ID, young.Step.ID, low.Step.ID}
	for i, id := range want {
		if got[i].Step.ID != id {
			t.Fatalf("position %d = %v, want %v", i, got[i].Step.ID, id)
		}
	}
}

func TestRank_TiesBrokenByID(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := pending("p", models.StatusQueued, 1, t0)
	b := pending("p", models.StatusQueued, 1, t0)
	first, second := rank([]store.PendingStep{a, b}, nil, 10, 10), rank([]store.PendingStep{b, a}, nil, 10, 10)
	if first[0].Step.ID != second[0].Step.ID {
		t.Fatal("order depends on input order")
	}
}

func TestRank_FairnessCapAndBurst(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	busy := map[string]int{"P": 11}

	var steps []store.PendingStep
	for i := 0; i < 3; i++ {
		steps = append(steps, pending("P", models.StatusInProgress, 9, t0.Add(time.Duration(i)*time.Second)))
	}

	// nothing else eligible: P's steps come back through burst
	got := rank(steps, busy, 10, 5)
	if len(got) != 3 {
		t.Fatalf("got %d, want 3", len(got))
	}
	for _, c := range got {
		if c.Tier != TierBurst {
			t.Fatalf("over-cap project got tier %s", c.Tier)
		}
	}

	// other work is served first, P only fills what is left
	q := pending("Q", models.StatusQueued, 0, t0.Add(time.Hour))
	got = rank(append(steps, q), busy, 10, 2)
	if len(got) != 2 || got[0].Step.ID != q.Step.ID || got[1].Tier != TierBurst {
		t.Fatalf("got %+v", got)
	}
}

func TestRank_Limit(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var steps []store.PendingStep
	for i := 0; i < 5; i++ {
		steps = append(steps, pending("p", models.StatusQueued, 0, t0))
	}
	if got := rank(steps, nil, 10, 0); len(got) != 0 {
		t.Fatalf("limit 0 returned %d", len(got))
	}
	if got := rank(steps, nil, 10, 3); len(got) != 3 {
		t.Fatalf("limit 3 returned %d", len(got))
	}
}

func TestScheduler_Candidates(t *testing.T) {
	st := storetest.New(t)
	fx := storetest.NewFixtures(t, st)
	t0 := fx.Now.Add(-time.Hour)

	running := fx.Job(fx.Build("p1", 2), models.StatusInProgress)
	fresh := fx.Job(fx.Build("p2", 5), models.StatusPendingAllocation)

	a := fx.Step(running, "a", t0)
	b := fx.Step(fresh, "a", t0.Add(-time.Second))
	fx.Step(fresh, "b", t0)
	fx.Step(fresh, "", t0)

	s := NewScheduler(st, 10)
	got, err := s.Candidates(context.Background(), null.StringFrom("a"), 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].Step.ID != a.ID || got[1].Step.ID != b.ID {
		t.Fatalf("got %+v", got)
	}

	got, err = s.Candidates(context.Background(), null.String{}, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].Step.Cluster.Valid {
		t.Fatalf("default pool returned %+v", got)
	}
}
