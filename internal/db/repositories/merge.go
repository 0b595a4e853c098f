package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// MergeRepo persists merge attempts (C10) — both the direct push path and
// the squash-merge path worktrees.py drives.
type MergeRepo struct{ conn *sql.DB }

func NewMergeRepo(conn *sql.DB) *MergeRepo { return &MergeRepo{conn: conn} }

const mergeSelect = `
	SELECT id, workspace_id, repo_id, merge_type, target_branch_name, merge_commit,
		pr_url, pr_number, pr_status, pr_merged_at, pr_merge_commit_sha, created_at, updated_at
	FROM merges`

func (r *MergeRepo) Create(ctx context.Context, m *models.Merge) error {
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO merges (id, workspace_id, repo_id, merge_type, target_branch_name, merge_commit,
			pr_url, pr_number, pr_status, pr_merged_at, pr_merge_commit_sha, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkspaceID, m.RepoID, m.MergeType, m.TargetBranchName, nullString(m.MergeCommit),
		nullString(m.PRURL), nullInt(m.PRNumber), nullString(m.PRStatus), nullTime(m.PRMergedAt),
		nullString(m.PRMergeCommitSHA), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r *MergeRepo) Get(ctx context.Context, id string) (*models.Merge, error) {
	return scanMerge(r.conn.QueryRowContext(ctx, mergeSelect+` WHERE id = ?`, id))
}

func (r *MergeRepo) ListForWorkspace(ctx context.Context, workspaceID string) ([]*models.Merge, error) {
	rows, err := r.conn.QueryContext(ctx, mergeSelect+` WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Merge
	for rows.Next() {
		m, err := scanMerge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MergeRepo) SetCommit(ctx context.Context, id, commit string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE merges SET merge_commit = ?, updated_at = ? WHERE id = ?`, commit, time.Now().UTC(), id)
	return err
}

func (r *MergeRepo) UpdatePRStatus(ctx context.Context, id string, status string, mergedAt *time.Time, mergeCommitSHA *string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE merges SET pr_status = ?, pr_merged_at = ?, pr_merge_commit_sha = ?, updated_at = ? WHERE id = ?`,
		status, nullTime(mergedAt), nullString(mergeCommitSHA), time.Now().UTC(), id)
	return err
}

func scanMerge(row rowScanner) (*models.Merge, error) {
	var m models.Merge
	var mergeCommit, prURL, prStatus, prMergeSHA sql.NullString
	var prNumber sql.NullInt64
	var prMergedAt sql.NullTime
	if err := row.Scan(&m.ID, &m.WorkspaceID, &m.RepoID, &m.MergeType, &m.TargetBranchName, &mergeCommit,
		&prURL, &prNumber, &prStatus, &prMergedAt, &prMergeSHA, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.MergeCommit = stringPtr(mergeCommit)
	m.PRURL = stringPtr(prURL)
	m.PRNumber = intPtr(prNumber)
	m.PRStatus = stringPtr(prStatus)
	m.PRMergedAt = timePtr(prMergedAt)
	m.PRMergeCommitSHA = stringPtr(prMergeSHA)
	return &m, nil
}
