package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

type TaskRepo struct{ conn *sql.DB }

func NewTaskRepo(conn *sql.DB) *TaskRepo { return &TaskRepo{conn: conn} }

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	criteria, err := jsonColumn(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, parent_id, title, description, status, priority, task_type,
			terminal_backend, agent_backend, base_branch, acceptance_criteria, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, nullString(t.ParentID), t.Title, t.Description, t.Status, t.Priority, t.TaskType,
		terminalBackendColumn(t.TerminalBackend), nullString(t.AgentBackend), nullString(t.BaseBranch),
		criteria, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*models.Task, error) {
	row := r.conn.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

func (r *TaskRepo) ListForProject(ctx context.Context, projectID string) ([]*models.Task, error) {
	rows, err := r.conn.QueryContext(ctx, taskSelect+` WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *TaskRepo) ListChildren(ctx context.Context, parentID string) ([]*models.Task, error) {
	rows, err := r.conn.QueryContext(ctx, taskSelect+` WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListAll lists every task across all projects, ordered oldest first.
func (r *TaskRepo) ListAll(ctx context.Context) ([]*models.Task, error) {
	rows, err := r.conn.QueryContext(ctx, taskSelect+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListByStatus lists tasks in a given status, optionally scoped to a
// project, grounded on TaskRepository.get_by_status in the original.
func (r *TaskRepo) ListByStatus(ctx context.Context, status models.TaskStatus, projectID *string) ([]*models.Task, error) {
	query := taskSelect + ` WHERE status = ?`
	args := []any{status}
	if projectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *projectID)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Search performs a simple substring match over title/description,
// grounded on TaskRepository.search in the original.
func (r *TaskRepo) Search(ctx context.Context, query string) ([]*models.Task, error) {
	like := "%" + query + "%"
	rows, err := r.conn.QueryContext(ctx,
		taskSelect+` WHERE title LIKE ? OR description LIKE ? ORDER BY created_at DESC`, like, like)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetByIDs resolves the subset of ids that exist within a project, used by
// the Task Service's @-mention link sync to validate mention targets.
func (r *TaskRepo) GetByIDs(ctx context.Context, ids []string, projectID string) ([]*models.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, projectID)
	query := taskSelect + ` WHERE id IN (` + joinPlaceholders(placeholders) + `) AND project_id = ?`
	rows, err := r.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateStatus performs the status transition spec §3/§5 Task Service makes
// on job completion (e.g. queued→IN_PROGRESS on job start, →REVIEW on
// successful merge-ready completion).
func (r *TaskRepo) UpdateStatus(ctx context.Context, id string, status models.TaskStatus) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return err
}

func (r *TaskRepo) Update(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = time.Now().UTC()
	criteria, err := jsonColumn(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?, task_type = ?,
			terminal_backend = ?, agent_backend = ?, base_branch = ?, acceptance_criteria = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.Status, t.Priority, t.TaskType,
		terminalBackendColumn(t.TerminalBackend), nullString(t.AgentBackend), nullString(t.BaseBranch),
		criteria, t.UpdatedAt, t.ID)
	return err
}

func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

const taskSelect = `
	SELECT id, project_id, parent_id, title, description, status, priority, task_type,
		terminal_backend, agent_backend, base_branch, acceptance_criteria, created_at, updated_at
	FROM tasks`

func terminalBackendColumn(b *models.TerminalBackend) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*b), Valid: true}
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var parentID, terminalBackend, agentBackend, baseBranch sql.NullString
	var criteria sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.TaskType, &terminalBackend, &agentBackend, &baseBranch, &criteria, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.ParentID = stringPtr(parentID)
	t.AgentBackend = stringPtr(agentBackend)
	t.BaseBranch = stringPtr(baseBranch)
	if terminalBackend.Valid {
		b := models.TerminalBackend(terminalBackend.String)
		t.TerminalBackend = &b
	}
	if err := scanJSON(criteria, &t.AcceptanceCriteria); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
