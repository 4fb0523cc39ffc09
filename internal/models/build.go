package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

type Status string

const (
	StatusQueued            Status = "queued"
	StatusPendingAllocation Status = "pending_allocation"
	StatusAllocated         Status = "allocated"
	StatusInProgress        Status = "in_progress"
	StatusFinished          Status = "finished"
)

// IsActive reports whether a job counts against its project's concurrency.
func (s Status) IsActive() bool {
	return s == StatusAllocated || s == StatusInProgress
}

type Build struct {
	ID           uuid.UUID `json:"id"`
	ProjectID    string    `json:"project_id"`
	Priority     int       `json:"priority"`
	Status       Status    `json:"status"`
	Result       Result    `json:"result"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
	DateFinished null.Time `json:"date_finished"`
}

type Job struct {
	ID           uuid.UUID `json:"id"`
	BuildID      uuid.UUID `json:"build_id"`
	ProjectID    string    `json:"project_id"`
	Status       Status    `json:"status"`
	Result       Result    `json:"result"`
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
	DateStarted  null.Time `json:"date_started"`
	DateFinished null.Time `json:"date_finished"`
}

// JobStep is the unit of allocatable build work.
type JobStep struct {
	ID        uuid.UUID   `json:"id"`
	JobID     uuid.UUID   `json:"job_id"`
	ProjectID string      `json:"project_id"`
	Label     string      `json:"label"`
	Status    Status      `json:"status"`
	Result    Result      `json:"result"`
	Cluster   null.String `json:"cluster"`

	DateCreated   time.Time `json:"date_created"`
	DateModified  time.Time `json:"date_modified"`
	DateStarted   null.Time `json:"date_started"`
	DateFinished  null.Time `json:"date_finished"`
	LastHeartbeat null.Time `json:"last_heartbeat"`
}
