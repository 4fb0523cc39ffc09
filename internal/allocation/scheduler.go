// Package allocation hands pending job steps out to worker agents.
//
// The read side (Scheduler) ranks candidates without taking any lock and may
// see stale state. The write side (Committer) re-validates every step under a
// per-cluster distributed lock before claiming it.
package allocation

import (
	"context"
	"sort"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/dropbox/changes-sub002/internal/allocation"

const DefaultMaxJobsPerProject = 10

// Tier orders candidates before priority and age are considered.
type Tier int

const (
	// TierContinuation: the step's job already runs and its project is under
	// the cap.
	TierContinuation Tier = iota
	// TierFresh: the project is under the cap.
	TierFresh
	// TierBurst: the project is over the cap; only reached when the first
	// two tiers leave room.
	TierBurst
)

func (t Tier) String() string {
	switch t {
	case TierContinuation:
		return "continuation"
	case TierFresh:
		return "fresh"
	default:
		return "burst"
	}
}

type Candidate struct {
	Step          models.JobStep
	JobStatus     models.Status
	BuildPriority int
	Tier          Tier
}

type Scheduler struct {
	store             *store.Store
	maxJobsPerProject int
	tracer            trace.Tracer
}

func NewScheduler(st *store.Store, maxJobsPerProject int) *Scheduler {
	if maxJobsPerProject <= 0 {
		maxJobsPerProject = DefaultMaxJobsPerProject
	}
	return &Scheduler{
		store:             st,
		maxJobsPerProject: maxJobsPerProject,
		tracer:            otel.Tracer(instrumentationName),
	}
}

// Candidates returns at most limit pending steps of cluster in the order they
// should be handed out.
func (s *Scheduler) Candidates(ctx context.Context, cluster null.String, limit int) ([]Candidate, error) {
	ctx, span := s.tracer.Start(ctx, "allocation.Candidates", trace.WithAttributes(
		attribute.String("cluster", cluster.String),
		attribute.Int("limit", limit),
	))
	defer span.End()

	pending, err := s.store.PendingJobSteps(ctx, cluster)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load pending steps")
		return nil, err
	}
	active, err := s.store.ActiveJobCounts(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count active jobs")
		return nil, err
	}

	out := rank(pending, active, s.maxJobsPerProject, limit)
	span.SetAttributes(
		attribute.Int("pending", len(pending)),
		attribute.Int("candidates", len(out)),
	)
	return out, nil
}

// rank tags every pending step with its tier and sorts by
// (tier, build priority desc, step created asc, id asc).
func rank(pending []store.PendingStep, active map[string]int, maxJobs, limit int) []Candidate {
	out := make([]Candidate, 0, len(pending))
	for _, p := range pending {
		tier := TierBurst
		if active[p.Step.ProjectID] < maxJobs {
			tier = TierFresh
			if p.JobStatus.IsActive() {
				tier = TierContinuation
			}
		}
		out = append(out, Candidate{
			Step:          p.Step,
			JobStatus:     p.JobStatus,
			BuildPriority: p.BuildPriority,
			Tier:          tier,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.BuildPriority != b.BuildPriority {
			return a.BuildPriority > b.BuildPriority
		}
		if !a.Step.DateCreated.Equal(b.Step.DateCreated) {
			return a.Step.DateCreated.Before(b.Step.DateCreated)
		}
		return lessID(a.Step.ID, b.Step.ID)
	})

	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func lessID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
