package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// PlannerProposalRepo persists draft task/todo proposals a planning agent
// produces, pending human approval before they become real Tasks.
type PlannerProposalRepo struct{ conn *sql.DB }

func NewPlannerProposalRepo(conn *sql.DB) *PlannerProposalRepo { return &PlannerProposalRepo{conn: conn} }

const plannerProposalSelect = `
	SELECT id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at
	FROM planner_proposals`

func (r *PlannerProposalRepo) Create(ctx context.Context, p *models.PlannerProposal) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	tasksJSON, err := jsonColumn(p.TasksJSON)
	if err != nil {
		return err
	}
	todosJSON, err := jsonColumn(p.TodosJSON)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO planner_proposals (id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, nullString(p.RepoID), tasksJSON, todosJSON, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *PlannerProposalRepo) Get(ctx context.Context, id string) (*models.PlannerProposal, error) {
	return scanPlannerProposal(r.conn.QueryRowContext(ctx, plannerProposalSelect+` WHERE id = ?`, id))
}

func (r *PlannerProposalRepo) ListForProject(ctx context.Context, projectID string) ([]*models.PlannerProposal, error) {
	rows, err := r.conn.QueryContext(ctx, plannerProposalSelect+` WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PlannerProposal
	for rows.Next() {
		p, err := scanPlannerProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PlannerProposalRepo) UpdateStatus(ctx context.Context, id string, status models.PlannerProposalStatus) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE planner_proposals SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return err
}

func scanPlannerProposal(row rowScanner) (*models.PlannerProposal, error) {
	var p models.PlannerProposal
	var repoID sql.NullString
	var tasksJSON, todosJSON sql.NullString
	if err := row.Scan(&p.ID, &p.ProjectID, &repoID, &tasksJSON, &todosJSON, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.RepoID = stringPtr(repoID)
	if err := scanJSON(tasksJSON, &p.TasksJSON); err != nil {
		return nil, err
	}
	if err := scanJSON(todosJSON, &p.TodosJSON); err != nil {
		return nil, err
	}
	return &p, nil
}
