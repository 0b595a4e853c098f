package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// JobAttemptRepo records each run of a job's executor — distinct from
// JobEventRepo's status-transition log, this is one row per attempt
// number, keeping each attempt's result for diagnostics. Jobs are never
// re-queued automatically, so the Job Service writes one attempt per job.
type JobAttemptRepo struct{ conn *sql.DB }

func NewJobAttemptRepo(conn *sql.DB) *JobAttemptRepo { return &JobAttemptRepo{conn: conn} }

func (r *JobAttemptRepo) Start(ctx context.Context, jobID string, attemptNumber int) (*models.JobAttempt, error) {
	now := time.Now().UTC()
	a := &models.JobAttempt{
		ID:            idgen.NewUUID(),
		JobID:         jobID,
		AttemptNumber: attemptNumber,
		Status:        models.JobRunning,
		StartedAt:     now,
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO job_attempts (id, job_id, attempt_number, status, started_at, finished_at, message, code, result)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, NULL, '{}')`,
		a.ID, a.JobID, a.AttemptNumber, a.Status, a.StartedAt)
	return a, err
}

func (r *JobAttemptRepo) Finish(ctx context.Context, id string, status models.JobStatus, message, code string, result map[string]any) error {
	resultJSON, err := jsonColumn(result)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		UPDATE job_attempts SET status = ?, finished_at = ?, message = ?, code = ?, result = ? WHERE id = ?`,
		status, time.Now().UTC(), message, code, resultJSON, id)
	return err
}

func (r *JobAttemptRepo) ListForJob(ctx context.Context, jobID string) ([]*models.JobAttempt, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, job_id, attempt_number, status, started_at, finished_at, message, code, result
		FROM job_attempts WHERE job_id = ? ORDER BY attempt_number ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.JobAttempt
	for rows.Next() {
		var a models.JobAttempt
		var finishedAt sql.NullTime
		var message, code, result sql.NullString
		if err := rows.Scan(&a.ID, &a.JobID, &a.AttemptNumber, &a.Status, &a.StartedAt, &finishedAt, &message, &code, &result); err != nil {
			return nil, err
		}
		a.FinishedAt = timePtr(finishedAt)
		a.Message = stringPtr(message)
		a.Code = stringPtr(code)
		a.Result = map[string]any{}
		if err := scanJSON(result, &a.Result); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
