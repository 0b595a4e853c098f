package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

type ProjectRepo struct{ conn *sql.DB }

func NewProjectRepo(conn *sql.DB) *ProjectRepo { return &ProjectRepo{conn: conn} }

func (r *ProjectRepo) Create(ctx context.Context, p *models.Project) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, last_opened_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, nullTime(p.LastOpenedAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *ProjectRepo) Get(ctx context.Context, id string) (*models.Project, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT id, name, description, last_opened_at, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (r *ProjectRepo) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, name, description, last_opened_at, created_at, updated_at
		FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProjectRepo) TouchOpened(ctx context.Context, id string, when time.Time) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE projects SET last_opened_at = ?, updated_at = ? WHERE id = ?`, when, when, id)
	return err
}

func (r *ProjectRepo) Update(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := r.conn.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.UpdatedAt, p.ID)
	return err
}

func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var lastOpened sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &lastOpened, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.LastOpenedAt = timePtr(lastOpened)
	return &p, nil
}
