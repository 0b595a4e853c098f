package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// JobEventRepo is the append-only transition log a job accumulates —
// event_index increments per job so clients can long-poll "events since N"
// without missing or double-reading a transition.
type JobEventRepo struct{ conn *sql.DB }

func NewJobEventRepo(conn *sql.DB) *JobEventRepo { return &JobEventRepo{conn: conn} }

// appendTx appends the next event_index for jobID within an existing
// transaction, so a transition and its event record commit atomically.
func (r *JobEventRepo) appendTx(ctx context.Context, tx *sql.Tx, jobID, taskID string, status models.JobStatus, message, code *string, at time.Time) error {
	var nextIndex int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(event_index), -1) + 1 FROM job_events WHERE job_id = ?`, jobID)
	if err := row.Scan(&nextIndex); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (id, job_id, task_id, event_index, status, message, code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		idgen.New(), jobID, taskID, nextIndex, status, nullString(message), nullString(code), at)
	return err
}

func (r *JobEventRepo) ListForJob(ctx context.Context, jobID string) ([]*models.JobEventRecord, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, job_id, task_id, event_index, status, message, code, created_at
		FROM job_events WHERE job_id = ? ORDER BY event_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.JobEventRecord
	for rows.Next() {
		var e models.JobEventRecord
		var message, code sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.TaskID, &e.EventIndex, &e.Status, &message, &code, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Message = stringPtr(message)
		e.Code = stringPtr(code)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListSince returns events with event_index > afterIndex, the primitive
// behind a cheap long-poll without re-sending the whole history.
func (r *JobEventRepo) ListSince(ctx context.Context, jobID string, afterIndex int) ([]*models.JobEventRecord, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, job_id, task_id, event_index, status, message, code, created_at
		FROM job_events WHERE job_id = ? AND event_index > ? ORDER BY event_index ASC`, jobID, afterIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.JobEventRecord
	for rows.Next() {
		var e models.JobEventRecord
		var message, code sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.TaskID, &e.EventIndex, &e.Status, &message, &code, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Message = stringPtr(message)
		e.Code = stringPtr(code)
		out = append(out, &e)
	}
	return out, rows.Err()
}
