package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// ExecutionLogRepo appends raw process output chunks. Rows are append-only
// and never updated, mirroring how the original streams stdout/stderr to
// disk incrementally rather than buffering a whole run in memory.
type ExecutionLogRepo struct{ conn *sql.DB }

func NewExecutionLogRepo(conn *sql.DB) *ExecutionLogRepo { return &ExecutionLogRepo{conn: conn} }

func (r *ExecutionLogRepo) Append(ctx context.Context, executionProcessID, chunk string) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO execution_process_logs (id, execution_process_id, logs, byte_size, inserted_at)
		VALUES (lower(hex(randomblob(4))), ?, ?, ?, ?)`,
		executionProcessID, chunk, len(chunk), time.Now().UTC())
	return err
}

func (r *ExecutionLogRepo) ListForExecution(ctx context.Context, executionProcessID string) ([]*models.ExecutionProcessLog, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, execution_process_id, logs, byte_size, inserted_at
		FROM execution_process_logs WHERE execution_process_id = ? ORDER BY inserted_at ASC`, executionProcessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ExecutionProcessLog
	for rows.Next() {
		var l models.ExecutionProcessLog
		if err := rows.Scan(&l.ID, &l.ExecutionProcessID, &l.Logs, &l.ByteSize, &l.InsertedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
