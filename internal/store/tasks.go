package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
)

var (
	ErrDuplicateTask = errors.New("task already exists")
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskFinished  = errors.New("task already finished")
)

const taskColumns = `task_name, parent_id, task_id, status, result, num_retries, data,
	date_created, date_modified, date_started, date_finished`

// TaskUpdate is a targeted column update: only non-nil fields are written,
// so concurrent writers touching other columns don't clobber each other.
type TaskUpdate struct {
	Status       *models.TaskStatus
	Result       *models.Result
	DateModified *time.Time
	// DateStarted is only written when the row has none yet.
	DateStarted  *time.Time
	DateFinished *time.Time
	Data         models.Kwargs
}

// CreateTask inserts a new ledger row. It fails with ErrDuplicateTask when
// the (name, parent, id) triple already exists.
func (t *Tx) CreateTask(ctx context.Context, task models.Task) error {
	if task.TaskName == "" || task.TaskID == "" {
		return errors.New("task name and task id are required")
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}
	if task.Result == "" {
		task.Result = models.ResultUnknown
	}
	data, err := marshalKwargs(task.Data)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskName,
		task.ParentID,
		task.TaskID,
		task.Status,
		task.Result,
		task.NumRetries,
		data,
		toMillis(task.DateCreated),
		toMillis(task.DateModified),
		nullMillis(task.DateStarted),
		nullMillis(task.DateFinished),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, task.Key())
		}
		return classify(err)
	}
	return nil
}

func (t *Tx) GetTask(ctx context.Context, key models.TaskKey) (*models.Task, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE task_name = ? AND COALESCE(parent_id, '') = ? AND task_id = ?`,
		key.TaskName, key.ParentID.String, key.TaskID,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return task, err
}

// UpdateTask applies u to the row identified by key. Finished rows are
// terminal and are never modified.
func (t *Tx) UpdateTask(ctx context.Context, key models.TaskKey, u TaskUpdate) error {
	var sets []string
	var args []any
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *u.Result)
	}
	if u.DateModified != nil {
		sets = append(sets, "date_modified = ?")
		args = append(args, toMillis(*u.DateModified))
	}
	if u.DateStarted != nil {
		sets = append(sets, "date_started = COALESCE(date_started, ?)")
		args = append(args, toMillis(*u.DateStarted))
	}
	if u.DateFinished != nil {
		sets = append(sets, "date_finished = ?")
		args = append(args, toMillis(*u.DateFinished))
	}
	if u.Data != nil {
		data, err := marshalKwargs(u.Data)
		if err != nil {
			return err
		}
		sets = append(sets, "data = ?")
		args = append(args, data)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, key.TaskName, key.ParentID.String, key.TaskID, models.TaskFinished)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+`
		WHERE task_name = ? AND COALESCE(parent_id, '') = ? AND task_id = ? AND status != ?`,
		args...,
	)
	if err != nil {
		return classify(err)
	}
	return t.checkTaskUpdated(ctx, key, res)
}

// IncrementRetries bumps num_retries by one. Like UpdateTask it refuses to
// touch a finished row.
func (t *Tx) IncrementRetries(ctx context.Context, key models.TaskKey, now time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE tasks SET num_retries = num_retries + 1, date_modified = ?
		WHERE task_name = ? AND COALESCE(parent_id, '') = ? AND task_id = ? AND status != ?`,
		toMillis(now), key.TaskName, key.ParentID.String, key.TaskID, models.TaskFinished,
	)
	if err != nil {
		return classify(err)
	}
	return t.checkTaskUpdated(ctx, key, res)
}

func (t *Tx) checkTaskUpdated(ctx context.Context, key models.TaskKey, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	existing, err := t.GetTask(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, key)
	}
	return fmt.Errorf("%w: %s", ErrTaskFinished, key)
}

// FindChildren returns every row named childName whose parent is parentTaskID.
func (t *Tx) FindChildren(ctx context.Context, childName, parentTaskID string) ([]models.Task, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE task_name = ? AND parent_id = ?
		ORDER BY date_created ASC, task_id ASC`,
		childName, parentTaskID,
	)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// ListTasks returns the most recently created ledger rows.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY date_created DESC, task_id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// StaleTasks returns non-finished rows last modified before cutoff, oldest first.
func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE status != ? AND date_modified < ?
		ORDER BY date_modified ASC
		LIMIT ?`,
		models.TaskFinished, toMillis(cutoff), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task              models.Task
		data              string
		created, modified int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(
		&task.TaskName,
		&task.ParentID,
		&task.TaskID,
		&task.Status,
		&task.Result,
		&task.NumRetries,
		&data,
		&created,
		&modified,
		&started,
		&finished,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &task.Data); err != nil {
		return nil, fmt.Errorf("decode task data %s: %w", task.TaskID, err)
	}
	task.DateCreated = fromMillis(created)
	task.DateModified = fromMillis(modified)
	task.DateStarted = nullTime(started)
	task.DateFinished = nullTime(finished)
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	defer rows.Close()
	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func marshalKwargs(k models.Kwargs) (string, error) {
	if k == nil {
		k = models.Kwargs{}
	}
	b, err := json.Marshal(k)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
