// Package buildsync keeps builds and jobs in step with the job steps worker
// agents report on. Both syncs run as tracked tasks that poll until the
// entity is finished.
package buildsync

import (
	"context"
	"fmt"
	"log"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/dropbox/changes-sub002/internal/tracked"
	"github.com/google/uuid"
)

const (
	SyncJobName   = "sync_job"
	SyncBuildName = "sync_build"

	kwargJobID   = "job_id"
	kwargBuildID = "build_id"
)

type Tasks struct {
	SyncJob   *tracked.Task
	SyncBuild *tracked.Task
}

func Register(rt *tracked.Runtime) *Tasks {
	return &Tasks{
		SyncJob:   rt.Register(SyncJobName, syncJob),
		SyncBuild: rt.Register(SyncBuildName, syncBuild),
	}
}

// SyncJobKwargs are the arguments of the sync_job invocation for job. Its
// ledger row is a child of the build's sync_build row.
func SyncJobKwargs(jobID, buildID uuid.UUID) models.Kwargs {
	return models.Kwargs{
		kwargJobID:               jobID.String(),
		models.KwargTaskID:       jobID.String(),
		models.KwargParentTaskID: buildID.String(),
	}
}

func SyncBuildKwargs(buildID uuid.UUID) models.Kwargs {
	return models.Kwargs{
		kwargBuildID:       buildID.String(),
		models.KwargTaskID: buildID.String(),
	}
}

func idArg(c *tracked.Call, name string) (uuid.UUID, error) {
	raw := c.Kwargs[name]
	if raw == "" {
		raw = c.TaskID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad %s %q: %w", name, raw, err)
	}
	return id, nil
}

func syncJob(ctx context.Context, c *tracked.Call) tracked.Outcome {
	if c.Tx == nil {
		return tracked.Failed(fmt.Errorf("%s needs a task id", SyncJobName))
	}
	jobID, err := idArg(c, kwargJobID)
	if err != nil {
		// retrying won't fix the arguments
		log.Printf("buildsync: %v", err)
		return tracked.Finished()
	}

	job, err := c.Tx.GetJob(ctx, jobID)
	if err != nil {
		return tracked.Failed(err)
	}
	if job == nil {
		log.Printf("buildsync: job %s not found", jobID)
		return tracked.Finished()
	}
	if job.Status == models.StatusFinished {
		return tracked.Finished()
	}

	steps, err := c.Tx.ListJobSteps(ctx, jobID)
	if err != nil {
		return tracked.Failed(err)
	}
	if len(steps) == 0 {
		return tracked.NotFinished()
	}

	status, result := summarizeSteps(steps)
	now := c.Now()
	u := store.EntityUpdate{Status: &status, DateModified: &now}
	if status != models.StatusPendingAllocation && status != models.StatusQueued {
		u.DateStarted = &now
	}
	if status == models.StatusFinished {
		u.Result = &result
		u.DateFinished = &now
	}
	if err := c.Tx.UpdateJob(ctx, jobID, u); err != nil {
		return tracked.Failed(err)
	}

	if status != models.StatusFinished {
		return tracked.NotFinished()
	}
	c.SetResult(result)
	log.Printf("buildsync: job %s finished result=%s", jobID, result)
	return tracked.Finished()
}

func syncBuild(ctx context.Context, c *tracked.Call) tracked.Outcome {
	if c.Tx == nil {
		return tracked.Failed(fmt.Errorf("%s needs a task id", SyncBuildName))
	}
	buildID, err := idArg(c, kwargBuildID)
	if err != nil {
		log.Printf("buildsync: %v", err)
		return tracked.Finished()
	}

	build, err := c.Tx.GetBuild(ctx, buildID)
	if err != nil {
		return tracked.Failed(err)
	}
	if build == nil {
		log.Printf("buildsync: build %s not found", buildID)
		return tracked.Finished()
	}

	jobs, err := c.Tx.ListJobs(ctx, buildID)
	if err != nil {
		return tracked.Failed(err)
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID.String()
	}

	children, err := c.VerifyChildren(ctx, SyncJobName, ids, func(id string) models.Kwargs {
		return models.Kwargs{kwargJobID: id}
	})
	if err != nil {
		return tracked.Failed(err)
	}

	status, result := summarizeJobs(jobs)
	now := c.Now()
	u := store.EntityUpdate{Status: &status, DateModified: &now}
	if status == models.StatusFinished {
		u.Result = &result
		u.DateFinished = &now
	}
	if err := c.Tx.UpdateBuild(ctx, buildID, u); err != nil {
		return tracked.Failed(err)
	}

	if status != models.StatusFinished || children != models.TaskFinished {
		return tracked.NotFinished()
	}
	c.SetResult(result)
	log.Printf("buildsync: build %s finished result=%s", buildID, result)
	return tracked.Finished()
}

// summarizeSteps derives a job's status from its steps: finished when all
// are, otherwise the furthest state any step has reached.
func summarizeSteps(steps []models.JobStep) (models.Status, models.Result) {
	statuses := make([]models.Status, len(steps))
	results := make([]models.Result, len(steps))
	for i, s := range steps {
		statuses[i], results[i] = s.Status, s.Result
	}
	return summarize(statuses, results)
}

func summarizeJobs(jobs []models.Job) (models.Status, models.Result) {
	if len(jobs) == 0 {
		return models.StatusQueued, models.ResultUnknown
	}
	statuses := make([]models.Status, len(jobs))
	results := make([]models.Result, len(jobs))
	for i, j := range jobs {
		statuses[i], results[i] = j.Status, j.Result
	}
	return summarize(statuses, results)
}

func summarize(statuses []models.Status, results []models.Result) (models.Status, models.Result) {
	finished := 0
	var inProgress, allocated bool
	for _, s := range statuses {
		switch s {
		case models.StatusFinished:
			finished++
		case models.StatusInProgress:
			inProgress = true
		case models.StatusAllocated:
			allocated = true
		}
	}

	switch {
	case finished == len(statuses):
		return models.StatusFinished, worst(results)
	case inProgress || finished > 0:
		return models.StatusInProgress, models.ResultUnknown
	case allocated:
		return models.StatusAllocated, models.ResultUnknown
	default:
		return models.StatusPendingAllocation, models.ResultUnknown
	}
}

var severity = map[models.Result]int{
	models.ResultPassed:  1,
	models.ResultFailed:  2,
	models.ResultAborted: 3,
}

// worst picks the most severe result; unknown results count as passed.
func worst(results []models.Result) models.Result {
	out := models.ResultPassed
	for _, r := range results {
		if severity[r] > severity[out] {
			out = r
		}
	}
	return out
}
