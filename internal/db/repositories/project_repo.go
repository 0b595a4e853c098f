package repositories

import (
	"context"
	"database/sql"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

type ProjectRepoRepo struct{ conn *sql.DB }

func NewProjectRepoRepo(conn *sql.DB) *ProjectRepoRepo { return &ProjectRepoRepo{conn: conn} }

func (r *ProjectRepoRepo) Attach(ctx context.Context, link *models.ProjectRepo) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO project_repos (project_id, repo_id, is_primary, display_order)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, repo_id) DO UPDATE SET is_primary = excluded.is_primary, display_order = excluded.display_order`,
		link.ProjectID, link.RepoID, link.IsPrimary, link.DisplayOrder)
	return err
}

func (r *ProjectRepoRepo) Detach(ctx context.Context, projectID, repoID string) error {
	_, err := r.conn.ExecContext(ctx, `
		DELETE FROM project_repos WHERE project_id = ? AND repo_id = ?`, projectID, repoID)
	return err
}

func (r *ProjectRepoRepo) ListForProject(ctx context.Context, projectID string) ([]*models.ProjectRepo, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT project_id, repo_id, is_primary, display_order
		FROM project_repos WHERE project_id = ? ORDER BY display_order ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProjectRepo
	for rows.Next() {
		var link models.ProjectRepo
		if err := rows.Scan(&link.ProjectID, &link.RepoID, &link.IsPrimary, &link.DisplayOrder); err != nil {
			return nil, err
		}
		out = append(out, &link)
	}
	return out, rows.Err()
}

func (r *ProjectRepoRepo) PrimaryRepo(ctx context.Context, projectID string) (*models.ProjectRepo, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT project_id, repo_id, is_primary, display_order
		FROM project_repos WHERE project_id = ? AND is_primary = 1 LIMIT 1`, projectID)
	var link models.ProjectRepo
	if err := row.Scan(&link.ProjectID, &link.RepoID, &link.IsPrimary, &link.DisplayOrder); err != nil {
		return nil, err
	}
	return &link, nil
}
