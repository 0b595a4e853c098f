package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// ExecutionRepo persists ExecutionProcess rows — C8 in SPEC_FULL, the record
// of every process a session has run (coding-agent turn, script, merge op).
type ExecutionRepo struct{ conn *sql.DB }

func NewExecutionRepo(conn *sql.DB) *ExecutionRepo { return &ExecutionRepo{conn: conn} }

const executionSelect = `
	SELECT id, session_id, run_reason, executor_action, status, exit_code, dropped,
		started_at, completed_at, error, metadata, created_at, updated_at
	FROM execution_processes`

func (r *ExecutionRepo) Create(ctx context.Context, e *models.ExecutionProcess) error {
	now := time.Now().UTC()
	e.StartedAt, e.CreatedAt, e.UpdatedAt = now, now, now
	action, err := jsonColumn(e.ExecutorAction)
	if err != nil {
		return err
	}
	metadata, err := jsonColumn(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO execution_processes (id, session_id, run_reason, executor_action, status, exit_code,
			dropped, started_at, completed_at, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.RunReason, action, e.Status, nullInt(e.ExitCode), e.Dropped,
		e.StartedAt, nullTime(e.CompletedAt), nullString(e.Error), metadata, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*models.ExecutionProcess, error) {
	return scanExecution(r.conn.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id))
}

func (r *ExecutionRepo) ListForSession(ctx context.Context, sessionID string) ([]*models.ExecutionProcess, error) {
	rows, err := r.conn.QueryContext(ctx, executionSelect+` WHERE session_id = ? ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ExecutionProcess
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) Complete(ctx context.Context, id string, status models.ExecutionStatus, exitCode *int, execErr *string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = ?, error = ?, updated_at = ?
		WHERE id = ?`, status, nullInt(exitCode), time.Now().UTC(), nullString(execErr), time.Now().UTC(), id)
	return err
}

// MarkDropped flags a process whose session ended without a terminal
// status observed, per the recovery sweep's handling of orphaned processes.
func (r *ExecutionRepo) MarkDropped(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE execution_processes SET dropped = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// taskJoin is the session→workspace.task_id join every task-scoped
// execution query in spec §4.6 shares.
const taskJoin = `
	JOIN sessions ON sessions.id = execution_processes.session_id
	JOIN workspaces ON workspaces.id = sessions.workspace_id`

// LatestForTask returns the most recently started execution for a task,
// or sql.ErrNoRows if the task has never had one (spec §4.6's "Latest
// execution for a task" indexed query).
func (r *ExecutionRepo) LatestForTask(ctx context.Context, taskID string) (*models.ExecutionProcess, error) {
	return scanExecution(r.conn.QueryRowContext(ctx, executionSelect+taskJoin+`
		WHERE workspaces.task_id = ? ORDER BY execution_processes.started_at DESC LIMIT 1`, taskID))
}

// RunningForTasks returns, for each task id with an active RUNNING
// execution, the most recent such row — spec §4.6's "Running-execution
// map for a set of task IDs" query. Task ids with no running execution
// are simply absent from the result.
func (r *ExecutionRepo) RunningForTasks(ctx context.Context, taskIDs []string) (map[string]*models.ExecutionProcess, error) {
	out := map[string]*models.ExecutionProcess{}
	if len(taskIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(taskIDs))
	args := make([]any, 0, len(taskIDs)+1)
	for i, id := range taskIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, models.ExecRunning)
	rows, err := r.conn.QueryContext(ctx, executionSelect+taskJoin+`
		WHERE workspaces.task_id IN (`+joinPlaceholders(placeholders)+`) AND execution_processes.status = ?
		ORDER BY execution_processes.started_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taskIDByExecution := map[string]string{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		taskID, err := r.taskIDForSession(ctx, e.SessionID)
		if err != nil {
			return nil, err
		}
		taskIDByExecution[e.ID] = taskID
		if _, seen := out[taskID]; !seen {
			out[taskID] = e
		}
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) taskIDForSession(ctx context.Context, sessionID string) (string, error) {
	var taskID sql.NullString
	err := r.conn.QueryRowContext(ctx, `
		SELECT workspaces.task_id FROM sessions
		JOIN workspaces ON workspaces.id = sessions.workspace_id
		WHERE sessions.id = ?`, sessionID).Scan(&taskID)
	if err != nil {
		return "", err
	}
	return taskID.String, nil
}

// CountForTask returns the total number of executions a task has run
// (spec §4.6's "Execution count per task" query).
func (r *ExecutionRepo) CountForTask(ctx context.Context, taskID string) (int, error) {
	var count int
	err := r.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM execution_processes`+taskJoin+`
		WHERE workspaces.task_id = ?`, taskID).Scan(&count)
	return count, err
}

func scanExecution(row rowScanner) (*models.ExecutionProcess, error) {
	var e models.ExecutionProcess
	var action, metadata, execErr sql.NullString
	var exitCode sql.NullInt64
	var completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.SessionID, &e.RunReason, &action, &e.Status, &exitCode, &e.Dropped,
		&e.StartedAt, &completedAt, &execErr, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.ExitCode = intPtr(exitCode)
	e.CompletedAt = timePtr(completedAt)
	e.Error = stringPtr(execErr)
	e.ExecutorAction = map[string]any{}
	if err := scanJSON(action, &e.ExecutorAction); err != nil {
		return nil, err
	}
	e.Metadata = map[string]any{}
	if err := scanJSON(metadata, &e.Metadata); err != nil {
		return nil, err
	}
	return &e, nil
}
