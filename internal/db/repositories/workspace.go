package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

type WorkspaceRepo struct{ conn *sql.DB }

func NewWorkspaceRepo(conn *sql.DB) *WorkspaceRepo { return &WorkspaceRepo{conn: conn} }

const workspaceSelect = `
	SELECT id, project_id, task_id, branch_name, path, status, created_at, updated_at
	FROM workspaces`

func (r *WorkspaceRepo) Create(ctx context.Context, w *models.Workspace) error {
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO workspaces (id, project_id, task_id, branch_name, path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, nullString(w.TaskID), w.BranchName, w.Path, w.Status, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r *WorkspaceRepo) Get(ctx context.Context, id string) (*models.Workspace, error) {
	return scanWorkspace(r.conn.QueryRowContext(ctx, workspaceSelect+` WHERE id = ?`, id))
}

func (r *WorkspaceRepo) GetForTask(ctx context.Context, taskID string) (*models.Workspace, error) {
	return scanWorkspace(r.conn.QueryRowContext(ctx, workspaceSelect+` WHERE task_id = ? AND status != ?`,
		taskID, models.WorkspaceDeleted))
}

func (r *WorkspaceRepo) ListForProject(ctx context.Context, projectID string) ([]*models.Workspace, error) {
	rows, err := r.conn.QueryContext(ctx, workspaceSelect+` WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *WorkspaceRepo) UpdateStatus(ctx context.Context, id string, status models.WorkspaceStatus) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE workspaces SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return err
}

func (r *WorkspaceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	return err
}

func scanWorkspace(row rowScanner) (*models.Workspace, error) {
	var w models.Workspace
	var taskID sql.NullString
	if err := row.Scan(&w.ID, &w.ProjectID, &taskID, &w.BranchName, &w.Path, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.TaskID = stringPtr(taskID)
	return &w, nil
}
