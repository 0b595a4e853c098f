package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

func newJobID() string { return idgen.NewUUID() }

// JobRepo implements the durable half of C11 (Job Service): every state
// transition is a single SQL statement guarded by a status predicate, so
// concurrent callers racing to complete/cancel the same job only ever let
// one through — grounded on core/services/jobs.py's complete_job/
// mark_running returning a `transitioned` bool rather than raising.
type JobRepo struct {
	conn    *sql.DB
	events  *JobEventRepo
}

func NewJobRepo(conn *sql.DB) *JobRepo {
	return &JobRepo{conn: conn, events: NewJobEventRepo(conn)}
}

const jobSelect = `
	SELECT id, task_id, action, status, params, result, message, code, last_attempt_number, created_at, updated_at, finished_at
	FROM jobs`

// Transition reports whether a requested status change actually applied —
// false means the job was not in the status the change starts from
// (already terminal for Complete, no longer queued for MarkRunning),
// which callers treat as a no-op rather than an error.
type Transition struct {
	Job         *models.Job
	Transitioned bool
}

func (r *JobRepo) Create(ctx context.Context, taskID, action string, params map[string]any) (*models.Job, error) {
	now := time.Now().UTC()
	paramsJSON, err := jsonColumn(params)
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		ID:                newJobID(),
		TaskID:            taskID,
		Action:            action,
		Status:            models.JobQueued,
		Params:            params,
		LastAttemptNumber: 0,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	msg := "Job queued"
	code := "JOB_QUEUED"
	job.Message, job.Code = &msg, &code

	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, task_id, action, status, params, result, message, code, last_attempt_number, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?, ?, 0, ?, ?, NULL)`,
		job.ID, job.TaskID, job.Action, job.Status, paramsJSON, msg, code, job.CreatedAt, job.UpdatedAt); err != nil {
		return nil, err
	}
	if err := r.events.appendTx(ctx, tx, job.ID, job.TaskID, job.Status, &msg, &code, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := scanJob(r.conn.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// MarkRunning transitions QUEUED -> RUNNING and records the next attempt
// number. A no-op (transitioned=false) if the job already left QUEUED.
func (r *JobRepo) MarkRunning(ctx context.Context, jobID string) (*Transition, error) {
	return r.transition(ctx, jobID, models.JobQueued, models.JobRunning, "Job running", "JOB_RUNNING", nil, func(tx *sql.Tx, job *models.Job) error {
		job.LastAttemptNumber++
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET last_attempt_number = ? WHERE id = ?`, job.LastAttemptNumber, jobID)
		return err
	})
}

// Complete applies a terminal transition. Idempotent: once a job is
// terminal, further Complete calls return Transitioned=false and the
// already-terminal job, matching the original's "don't raise on a race"
// contract.
func (r *JobRepo) Complete(ctx context.Context, jobID string, status models.JobStatus, message, code string, result map[string]any) (*Transition, error) {
	resultJSON, err := jsonColumn(result)
	if err != nil {
		return nil, err
	}
	return r.transitionFromNonTerminal(ctx, jobID, status, message, code, func(tx *sql.Tx, now time.Time) (sql.Result, error) {
		return tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, message = ?, code = ?, result = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?, ?)`,
			status, message, code, resultJSON, now, now, jobID,
			models.JobSucceeded, models.JobFailed, models.JobCancelled)
	})
}

// RecoverNonTerminal marks every job left in a non-terminal status (from a
// previous process that exited mid-run) as failed, on startup.
func (r *JobRepo) RecoverNonTerminal(ctx context.Context) ([]*models.Job, error) {
	now := time.Now().UTC()
	rows, err := r.conn.QueryContext(ctx, jobSelect+` WHERE status IN (?, ?)`, models.JobQueued, models.JobRunning)
	if err != nil {
		return nil, err
	}
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	message := "Job interrupted by previous service shutdown"
	code := "JOB_RECOVERED_INTERRUPTED"
	resultJSON, _ := jsonColumn(map[string]any{"success": false, "message": message, "code": code})

	for _, j := range jobs {
		tx, err := r.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, message = ?, code = ?, result = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?, ?)`,
			models.JobFailed, message, code, resultJSON, now, now, j.ID,
			models.JobSucceeded, models.JobFailed, models.JobCancelled); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := r.events.appendTx(ctx, tx, j.ID, j.TaskID, models.JobFailed, &message, &code, now); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		j.Status = models.JobFailed
	}
	return jobs, nil
}

// transition moves a job from `from` to `to` with a single status-guarded
// UPDATE: the WHERE clause repeats `status = ?` so that, even if two
// callers both read the row as still `from` before either writes, only
// the writer that executes first against the current DB state has its
// predicate match — the loser's RowsAffected is 0 and it reports
// Transitioned=false against the freshly re-read row instead of
// clobbering the winner's commit. The earlier in-Go status comparison
// below is a fast path to skip the write/transaction work entirely in
// the common already-terminal case; it is not what makes this safe.
func (r *JobRepo) transition(ctx context.Context, jobID string, from, to models.JobStatus, message, code string, result map[string]any, extra func(tx *sql.Tx, job *models.Job) error) (*Transition, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status != from {
		return &Transition{Job: job, Transitioned: false}, tx.Commit()
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, code = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, message, code, now, jobID, from)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		current, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID))
		if err != nil {
			return nil, err
		}
		return &Transition{Job: current, Transitioned: false}, tx.Commit()
	}
	if extra != nil {
		if err := extra(tx, job); err != nil {
			return nil, err
		}
	}
	if err := r.events.appendTx(ctx, tx, jobID, job.TaskID, to, &message, &code, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Status = to
	return &Transition{Job: job, Transitioned: true}, nil
}

// transitionFromNonTerminal applies a terminal transition with the same
// status-guarded-UPDATE discipline as transition: apply's UPDATE carries
// `AND status NOT IN (...)` over the terminal set, so a second writer
// racing an already-committed terminal write (e.g. Cancel racing run's
// natural-completion path) affects zero rows instead of overwriting it
// and appending a second terminal event.
func (r *JobRepo) transitionFromNonTerminal(ctx context.Context, jobID string, status models.JobStatus, message, code string, apply func(tx *sql.Tx, now time.Time) (sql.Result, error)) (*Transition, error) {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return &Transition{Job: job, Transitioned: false}, tx.Commit()
	}

	now := time.Now().UTC()
	res, err := apply(tx, now)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		current, err := scanJob(tx.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID))
		if err != nil {
			return nil, err
		}
		return &Transition{Job: current, Transitioned: false}, tx.Commit()
	}
	if err := r.events.appendTx(ctx, tx, jobID, job.TaskID, status, &message, &code, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Status = status
	job.Message, job.Code = &message, &code
	return &Transition{Job: job, Transitioned: true}, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var params, result, message, code sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&j.ID, &j.TaskID, &j.Action, &j.Status, &params, &result, &message, &code,
		&j.LastAttemptNumber, &j.CreatedAt, &j.UpdatedAt, &finishedAt); err != nil {
		return nil, err
	}
	j.Message = stringPtr(message)
	j.Code = stringPtr(code)
	j.FinishedAt = timePtr(finishedAt)
	j.Params = map[string]any{}
	if err := scanJSON(params, &j.Params); err != nil {
		return nil, err
	}
	j.Result = map[string]any{}
	if err := scanJSON(result, &j.Result); err != nil {
		return nil, err
	}
	return &j, nil
}
