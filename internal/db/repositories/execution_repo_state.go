package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// ExecutionRepoStateRepo records the before/after HEAD commit of each repo
// an execution touched — the basis for merge/diff computation in C10.
type ExecutionRepoStateRepo struct{ conn *sql.DB }

func NewExecutionRepoStateRepo(conn *sql.DB) *ExecutionRepoStateRepo {
	return &ExecutionRepoStateRepo{conn: conn}
}

const repoStateSelect = `
	SELECT id, execution_process_id, repo_id, before_head_commit, after_head_commit, merge_commit, created_at, updated_at
	FROM execution_process_repo_states`

func (r *ExecutionRepoStateRepo) Create(ctx context.Context, s *models.ExecutionProcessRepoState) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO execution_process_repo_states (id, execution_process_id, repo_id, before_head_commit, after_head_commit, merge_commit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ExecutionProcessID, s.RepoID, nullString(s.BeforeHeadCommit), nullString(s.AfterHeadCommit),
		nullString(s.MergeCommit), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *ExecutionRepoStateRepo) ListForExecution(ctx context.Context, executionProcessID string) ([]*models.ExecutionProcessRepoState, error) {
	rows, err := r.conn.QueryContext(ctx, repoStateSelect+` WHERE execution_process_id = ?`, executionProcessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ExecutionProcessRepoState
	for rows.Next() {
		s, err := scanRepoState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ExecutionRepoStateRepo) SetAfterHead(ctx context.Context, id, afterCommit string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE execution_process_repo_states SET after_head_commit = ?, updated_at = ? WHERE id = ?`,
		afterCommit, time.Now().UTC(), id)
	return err
}

func scanRepoState(row rowScanner) (*models.ExecutionProcessRepoState, error) {
	var s models.ExecutionProcessRepoState
	var before, after, merge sql.NullString
	if err := row.Scan(&s.ID, &s.ExecutionProcessID, &s.RepoID, &before, &after, &merge, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.BeforeHeadCommit = stringPtr(before)
	s.AfterHeadCommit = stringPtr(after)
	s.MergeCommit = stringPtr(merge)
	return &s, nil
}
