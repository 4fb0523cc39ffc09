package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/dropbox/changes-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
)

const (
	buildColumns = `id, project_id, priority, status, result, date_created, date_modified, date_finished`
	jobColumns   = `id, build_id, project_id, status, result, date_created, date_modified, date_started, date_finished`
	stepColumns  = `id, job_id, project_id, label, status, result, cluster,
	date_created, date_modified, date_started, date_finished, last_heartbeat`
)

// PendingStep is a step waiting for allocation together with the parent
// state the scheduler ranks it by.
type PendingStep struct {
	Step          models.JobStep
	JobStatus     models.Status
	BuildPriority int
}

// EntityUpdate is a targeted update for builds, jobs and steps. Nil fields
// are left alone.
type EntityUpdate struct {
	Status        *models.Status
	Result        *models.Result
	DateModified  *time.Time
	DateStarted   *time.Time
	DateFinished  *time.Time
	LastHeartbeat *time.Time
}

func (u EntityUpdate) clause(allowStarted, allowHeartbeat bool) (string, []any) {
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
	if u.DateStarted != nil && allowStarted {
		sets = append(sets, "date_started = COALESCE(date_started, ?)")
		args = append(args, toMillis(*u.DateStarted))
	}
	if u.DateFinished != nil {
		sets = append(sets, "date_finished = ?")
		args = append(args, toMillis(*u.DateFinished))
	}
	if u.LastHeartbeat != nil && allowHeartbeat {
		sets = append(sets, "last_heartbeat = ?")
		args = append(args, toMillis(*u.LastHeartbeat))
	}
	return strings.Join(sets, ", "), args
}

func (t *Tx) CreateBuild(ctx context.Context, b models.Build) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO builds (`+buildColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Priority, b.Status, resultOrUnknown(b.Result),
		toMillis(b.DateCreated), toMillis(b.DateModified), nullMillis(b.DateFinished),
	)
	return classify(err)
}

func (t *Tx) CreateJob(ctx context.Context, j models.Job) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.BuildID, j.ProjectID, j.Status, resultOrUnknown(j.Result),
		toMillis(j.DateCreated), toMillis(j.DateModified), nullMillis(j.DateStarted), nullMillis(j.DateFinished),
	)
	return classify(err)
}

func (t *Tx) CreateJobStep(ctx context.Context, s models.JobStep) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO jobsteps (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.JobID, s.ProjectID, s.Label, s.Status, resultOrUnknown(s.Result), s.Cluster,
		toMillis(s.DateCreated), toMillis(s.DateModified), nullMillis(s.DateStarted),
		nullMillis(s.DateFinished), nullMillis(s.LastHeartbeat),
	)
	return classify(err)
}

func (t *Tx) GetBuild(ctx context.Context, id uuid.UUID) (*models.Build, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (t *Tx) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return getJob(ctx, t.tx, id)
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q querier, id uuid.UUID) (*models.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (t *Tx) GetJobStep(ctx context.Context, id uuid.UUID) (*models.JobStep, error) {
	return getJobStep(ctx, t.tx, id)
}

func (s *Store) GetJobStep(ctx context.Context, id uuid.UUID) (*models.JobStep, error) {
	return getJobStep(ctx, s.db, id)
}

func getJobStep(ctx context.Context, q querier, id uuid.UUID) (*models.JobStep, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM jobsteps WHERE id = ?`, id)
	st, err := scanJobStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (t *Tx) ListJobs(ctx context.Context, buildID uuid.UUID) ([]models.Job, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE build_id = ? ORDER BY date_created ASC, id ASC`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (t *Tx) ListJobSteps(ctx context.Context, jobID uuid.UUID) ([]models.JobStep, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM jobsteps WHERE job_id = ? ORDER BY date_created ASC, id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	return scanJobSteps(rows)
}

func (t *Tx) UpdateBuild(ctx context.Context, id uuid.UUID, u EntityUpdate) error {
	return t.updateEntity(ctx, "builds", id, u, false, false)
}

func (t *Tx) UpdateJob(ctx context.Context, id uuid.UUID, u EntityUpdate) error {
	return t.updateEntity(ctx, "jobs", id, u, true, false)
}

func (t *Tx) UpdateJobStep(ctx context.Context, id uuid.UUID, u EntityUpdate) error {
	return t.updateEntity(ctx, "jobsteps", id, u, true, true)
}

func (t *Tx) updateEntity(ctx context.Context, table string, id uuid.UUID, u EntityUpdate, allowStarted, allowHeartbeat bool) error {
	set, args := u.clause(allowStarted, allowHeartbeat)
	if set == "" {
		return nil
	}
	args = append(args, id)
	_, err := t.tx.ExecContext(ctx, `UPDATE `+table+` SET `+set+` WHERE id = ?`, args...)
	return classify(err)
}

// TransitionJobStep moves a step from one status to another only if it is
// still in from. It reports whether the row changed.
func (t *Tx) TransitionJobStep(ctx context.Context, id uuid.UUID, from, to models.Status, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE jobsteps SET status = ?, date_modified = ? WHERE id = ? AND status = ?`,
		to, toMillis(now), id, from,
	)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PendingJobSteps returns every step waiting for allocation in the given
// cluster. An invalid cluster matches only steps without a cluster.
func (s *Store) PendingJobSteps(ctx context.Context, cluster null.String) ([]PendingStep, error) {
	query := `SELECT ` + prefixed("s", stepColumns) + `, j.status, b.priority
		FROM jobsteps s
		JOIN jobs j ON j.id = s.job_id
		JOIN builds b ON b.id = j.build_id
		WHERE s.status = ?`
	args := []any{models.StatusPendingAllocation}
	if cluster.Valid {
		query += ` AND s.cluster = ?`
		args = append(args, cluster.String)
	} else {
		query += ` AND s.cluster IS NULL`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingStep
	for rows.Next() {
		var ps PendingStep
		st, err := scanJobStepWith(rows, &ps.JobStatus, &ps.BuildPriority)
		if err != nil {
			return nil, err
		}
		ps.Step = *st
		out = append(out, ps)
	}
	return out, rows.Err()
}

// ActiveJobCounts returns, per project, how many jobs are allocated or in
// progress.
func (s *Store) ActiveJobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, COUNT(*) FROM jobs WHERE status IN (?, ?) GROUP BY project_id`,
		models.StatusAllocated, models.StatusInProgress,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var project string
		var n int
		if err := rows.Scan(&project, &n); err != nil {
			return nil, err
		}
		counts[project] = n
	}
	return counts, rows.Err()
}

// StaleJobs returns unfinished jobs last modified before cutoff.
func (s *Store) StaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE status != ? AND date_modified < ?
		ORDER BY date_modified ASC LIMIT ?`,
		models.StatusFinished, toMillis(cutoff), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// SilentJobSteps returns allocated or running steps whose last heartbeat (or
// last modification, when they never sent one) is older than cutoff.
func (s *Store) SilentJobSteps(ctx context.Context, cutoff time.Time, limit int) ([]models.JobStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM jobsteps
		WHERE status IN (?, ?) AND COALESCE(last_heartbeat, date_modified) < ?
		ORDER BY date_modified ASC LIMIT ?`,
		models.StatusAllocated, models.StatusInProgress, toMillis(cutoff), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanJobSteps(rows)
}

func scanBuild(row rowScanner) (*models.Build, error) {
	var (
		b                 models.Build
		created, modified int64
		finished          sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Priority, &b.Status, &b.Result, &created, &modified, &finished); err != nil {
		return nil, err
	}
	b.DateCreated = fromMillis(created)
	b.DateModified = fromMillis(modified)
	b.DateFinished = nullTime(finished)
	return &b, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j                 models.Job
		created, modified int64
		started, finished sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.BuildID, &j.ProjectID, &j.Status, &j.Result, &created, &modified, &started, &finished); err != nil {
		return nil, err
	}
	j.DateCreated = fromMillis(created)
	j.DateModified = fromMillis(modified)
	j.DateStarted = nullTime(started)
	j.DateFinished = nullTime(finished)
	return &j, nil
}

func scanJobStep(row rowScanner) (*models.JobStep, error) {
	return scanJobStepWith(row)
}

func scanJobStepWith(row rowScanner, extra ...any) (*models.JobStep, error) {
	var (
		st                           models.JobStep
		created, modified            int64
		started, finished, heartbeat sql.NullInt64
	)
	dest := []any{
		&st.ID, &st.JobID, &st.ProjectID, &st.Label, &st.Status, &st.Result, &st.Cluster,
		&created, &modified, &started, &finished, &heartbeat,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	st.DateCreated = fromMillis(created)
	st.DateModified = fromMillis(modified)
	st.DateStarted = nullTime(started)
	st.DateFinished = nullTime(finished)
	st.LastHeartbeat = nullTime(heartbeat)
	return &st, nil
}

func scanJobSteps(rows *sql.Rows) ([]models.JobStep, error) {
	defer rows.Close()
	var out []models.JobStep
	for rows.Next() {
		st, err := scanJobStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func resultOrUnknown(r models.Result) models.Result {
	if r == "" {
		return models.ResultUnknown
	}
	return r
}
