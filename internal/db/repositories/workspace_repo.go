package repositories

import (
	"context"
	"database/sql"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// WorkspaceRepoRepo persists the per-repo worktree state of a workspace
// (spec §3 WorkspaceRepo): one row per repo a workspace spans.
type WorkspaceRepoRepo struct{ conn *sql.DB }

func NewWorkspaceRepoRepo(conn *sql.DB) *WorkspaceRepoRepo { return &WorkspaceRepoRepo{conn: conn} }

func (r *WorkspaceRepoRepo) Create(ctx context.Context, wr *models.WorkspaceRepo) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO workspace_repos (id, workspace_id, repo_id, target_branch, worktree_path)
		VALUES (?, ?, ?, ?, ?)`,
		wr.ID, wr.WorkspaceID, wr.RepoID, wr.TargetBranch, nullString(wr.WorktreePath))
	return err
}

func (r *WorkspaceRepoRepo) ListForWorkspace(ctx context.Context, workspaceID string) ([]*models.WorkspaceRepo, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, workspace_id, repo_id, target_branch, worktree_path
		FROM workspace_repos WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkspaceRepo
	for rows.Next() {
		var wr models.WorkspaceRepo
		var worktreePath sql.NullString
		if err := rows.Scan(&wr.ID, &wr.WorkspaceID, &wr.RepoID, &wr.TargetBranch, &worktreePath); err != nil {
			return nil, err
		}
		wr.WorktreePath = stringPtr(worktreePath)
		out = append(out, &wr)
	}
	return out, rows.Err()
}

func (r *WorkspaceRepoRepo) SetWorktreePath(ctx context.Context, id, path string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE workspace_repos SET worktree_path = ? WHERE id = ?`, path, id)
	return err
}

func (r *WorkspaceRepoRepo) Delete(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM workspace_repos WHERE id = ?`, id)
	return err
}
