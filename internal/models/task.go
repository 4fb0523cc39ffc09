package models

import (
	"time"

	"github.com/guregu/null/v6"
)

type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskFinished   TaskStatus = "finished"
)

// Result is shared by tasks, builds, jobs and steps. The core only ever
// writes aborted, passed and failed; everything else is opaque to it.
type Result string

const (
	ResultUnknown Result = "unknown"
	ResultAborted Result = "aborted"
	ResultPassed  Result = "passed"
	ResultFailed  Result = "failed"
)

// Kwargs are the invocation arguments of a tracked task. They are persisted
// in Task.Data so a stalled task can be replayed exactly.
type Kwargs map[string]string

const (
	KwargTaskID       = "task_id"
	KwargParentTaskID = "parent_task_id"
)

// Clone returns a copy that is safe to mutate.
func (k Kwargs) Clone() Kwargs {
	out := make(Kwargs, len(k))
	for key, v := range k {
		out[key] = v
	}
	return out
}

type Task struct {
	// Keys
	TaskName string      `json:"task_name"`
	ParentID null.String `json:"parent_id"`
	TaskID   string      `json:"task_id"`

	// Processing/Status
	Status     TaskStatus `json:"status"`
	Result     Result     `json:"result"`
	NumRetries int        `json:"num_retries"`
	Data       Kwargs     `json:"data"`

	// Timestamps
	DateCreated  time.Time `json:"date_created"`
	DateModified time.Time `json:"date_modified"`
	DateStarted  null.Time `json:"date_started"`
	DateFinished null.Time `json:"date_finished"`
}

// TaskKey identifies a ledger row.
type TaskKey struct {
	TaskName string
	ParentID null.String
	TaskID   string
}

func (t Task) Key() TaskKey {
	return TaskKey{TaskName: t.TaskName, ParentID: t.ParentID, TaskID: t.TaskID}
}

func (k TaskKey) String() string {
	return k.TaskName + ":" + k.ParentID.String + ":" + k.TaskID
}
