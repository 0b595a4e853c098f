package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

type RepoRepo struct{ conn *sql.DB }

func NewRepoRepo(conn *sql.DB) *RepoRepo { return &RepoRepo{conn: conn} }

func (r *RepoRepo) Create(ctx context.Context, repo *models.Repo) error {
	now := time.Now().UTC()
	repo.CreatedAt, repo.UpdatedAt = now, now
	scripts, err := jsonColumn(repo.Scripts)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO repos (id, name, path, display_name, default_working_dir, default_branch, scripts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Name, repo.Path, nullString(repo.DisplayName), nullString(repo.DefaultWorkingDir),
		repo.DefaultBranch, scripts, repo.CreatedAt, repo.UpdatedAt)
	return err
}

func (r *RepoRepo) Get(ctx context.Context, id string) (*models.Repo, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT id, name, path, display_name, default_working_dir, default_branch, scripts, created_at, updated_at
		FROM repos WHERE id = ?`, id)
	return scanRepo(row)
}

func (r *RepoRepo) GetByPath(ctx context.Context, path string) (*models.Repo, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT id, name, path, display_name, default_working_dir, default_branch, scripts, created_at, updated_at
		FROM repos WHERE path = ?`, path)
	return scanRepo(row)
}

func (r *RepoRepo) ListForProject(ctx context.Context, projectID string) ([]*models.Repo, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT r.id, r.name, r.path, r.display_name, r.default_working_dir, r.default_branch, r.scripts, r.created_at, r.updated_at
		FROM repos r
		JOIN project_repos pr ON pr.repo_id = r.id
		WHERE pr.project_id = ?
		ORDER BY pr.display_order ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

func (r *RepoRepo) Update(ctx context.Context, repo *models.Repo) error {
	repo.UpdatedAt = time.Now().UTC()
	scripts, err := jsonColumn(repo.Scripts)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		UPDATE repos SET name = ?, display_name = ?, default_working_dir = ?, default_branch = ?, scripts = ?, updated_at = ?
		WHERE id = ?`,
		repo.Name, nullString(repo.DisplayName), nullString(repo.DefaultWorkingDir), repo.DefaultBranch,
		scripts, repo.UpdatedAt, repo.ID)
	return err
}

func (r *RepoRepo) Delete(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, id)
	return err
}

func scanRepo(row rowScanner) (*models.Repo, error) {
	var repo models.Repo
	var displayName, workingDir sql.NullString
	var scripts sql.NullString
	if err := row.Scan(&repo.ID, &repo.Name, &repo.Path, &displayName, &workingDir,
		&repo.DefaultBranch, &scripts, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
		return nil, err
	}
	repo.DisplayName = stringPtr(displayName)
	repo.DefaultWorkingDir = stringPtr(workingDir)
	repo.Scripts = map[string]string{}
	if err := scanJSON(scripts, &repo.Scripts); err != nil {
		return nil, err
	}
	return &repo, nil
}
