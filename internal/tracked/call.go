package tracked

import (
	"context"
	"errors"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/dropbox/changes-sub002/internal/store"
	"github.com/guregu/null/v6"
)

// Call is the context of one invocation. Writes made through Tx are committed
// or rolled back together with the ledger update for the invocation. Tx is
// nil for untracked calls.
type Call struct {
	rt *Runtime

	Tx       *store.Tx
	Kwargs   models.Kwargs
	TaskID   string
	ParentID null.String
	// Task is the ledger row as it was when the invocation started.
	Task *models.Task

	result  models.Result
	pending []pendingEnqueue
}

type pendingEnqueue struct {
	name   string
	kwargs models.Kwargs
}

// SetResult overrides the result recorded when the call returns Finished.
func (c *Call) SetResult(r models.Result) { c.result = r }

func (c *Call) Now() time.Time { return c.rt.now() }

// enqueue is deferred until the invocation's transaction has committed, so a
// worker picking the message up sees the rows written alongside it.
func (c *Call) enqueue(name string, kwargs models.Kwargs) {
	c.pending = append(c.pending, pendingEnqueue{name: name, kwargs: kwargs})
}

func (c *Call) flush(ctx context.Context) error {
	for _, p := range c.pending {
		if err := c.rt.queue.Enqueue(ctx, p.name, p.kwargs, 0); err != nil {
			return err
		}
	}
	c.pending = nil
	return nil
}

// VerifyChildren drives fan-out and fan-in of childName tasks, one per id in
// childIDs, parented to this call's task. kwargFn builds the invocation
// arguments for a child that has to be created.
//
// Each pass aborts children idle for longer than ExpireTimeout, touches and
// re-enqueues those idle longer than RunTimeout, and creates the missing ones.
// It returns TaskFinished only when every child is finished and the pass did
// nothing, TaskInProgress otherwise.
func (c *Call) VerifyChildren(ctx context.Context, childName string, childIDs []string, kwargFn func(id string) models.Kwargs) (models.TaskStatus, error) {
	if c.Tx == nil {
		return "", errors.New("tracked: VerifyChildren needs a tracked call")
	}

	children, err := c.Tx.FindChildren(ctx, childName, c.TaskID)
	if err != nil {
		return "", err
	}

	need := make(map[string]bool, len(childIDs))
	for _, id := range childIDs {
		need[id] = true
	}

	now := c.Now()
	opts := c.rt.opts
	pending, acted := 0, false

	for _, child := range children {
		delete(need, child.TaskID)
		if child.Status == models.TaskFinished {
			continue
		}

		idle := now.Sub(child.DateModified)
		switch {
		case idle > opts.ExpireTimeout:
			status, result := models.TaskFinished, models.ResultAborted
			if err := c.Tx.UpdateTask(ctx, child.Key(), store.TaskUpdate{
				Status:       &status,
				Result:       &result,
				DateModified: &now,
				DateFinished: &now,
			}); err != nil {
				return "", err
			}
			acted = true

		case idle > opts.RunTimeout:
			if err := c.Tx.UpdateTask(ctx, child.Key(), store.TaskUpdate{DateModified: &now}); err != nil {
				return "", err
			}
			kwargs := child.Data
			if len(kwargs) == 0 {
				kwargs = c.childKwargs(child.TaskID, kwargFn)
			}
			c.enqueue(childName, kwargs)
			pending++
			acted = true

		default:
			pending++
		}
	}

	for _, id := range childIDs {
		if !need[id] {
			continue
		}
		delete(need, id)

		kwargs := c.childKwargs(id, kwargFn)
		err := c.Tx.CreateTask(ctx, models.Task{
			TaskName:     childName,
			ParentID:     null.StringFrom(c.TaskID),
			TaskID:       id,
			Status:       models.TaskQueued,
			Result:       models.ResultUnknown,
			Data:         kwargs,
			DateCreated:  now,
			DateModified: now,
		})
		if err != nil && !errors.Is(err, store.ErrDuplicateTask) {
			return "", err
		}
		c.enqueue(childName, kwargs)
		pending++
		acted = true
	}

	if pending > 0 || acted {
		return models.TaskInProgress, nil
	}
	return models.TaskFinished, nil
}

func (c *Call) childKwargs(id string, kwargFn func(string) models.Kwargs) models.Kwargs {
	var kwargs models.Kwargs
	if kwargFn != nil {
		kwargs = kwargFn(id).Clone()
	} else {
		kwargs = models.Kwargs{}
	}
	kwargs[models.KwargTaskID] = id
	kwargs[models.KwargParentTaskID] = c.TaskID
	return kwargs
}
