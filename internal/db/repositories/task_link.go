package repositories

import (
	"context"
	"database/sql"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// TaskLinkRepo persists the @-mention graph tasks.py extracts from task
// descriptions (core/services/tasks.py), surfaced in spec §3 as TaskLink.
type TaskLinkRepo struct{ conn *sql.DB }

func NewTaskLinkRepo(conn *sql.DB) *TaskLinkRepo { return &TaskLinkRepo{conn: conn} }

func (r *TaskLinkRepo) Add(ctx context.Context, link *models.TaskLink) error {
	_, err := r.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_links (task_id, ref_task_id) VALUES (?, ?)`,
		link.TaskID, link.RefTaskID)
	return err
}

// ReplaceAll atomically recomputes the outgoing links for a task, mirroring
// the original's re-extract-on-every-save behavior for @-mentions.
func (r *TaskLinkRepo) ReplaceAll(ctx context.Context, taskID string, refTaskIDs []string) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_links WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for _, ref := range refTaskIDs {
		if ref == taskID {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO task_links (task_id, ref_task_id) VALUES (?, ?)`, taskID, ref); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *TaskLinkRepo) ListOutgoing(ctx context.Context, taskID string) ([]string, error) {
	return r.listColumn(ctx, `SELECT ref_task_id FROM task_links WHERE task_id = ?`, taskID)
}

func (r *TaskLinkRepo) ListIncoming(ctx context.Context, taskID string) ([]string, error) {
	return r.listColumn(ctx, `SELECT task_id FROM task_links WHERE ref_task_id = ?`, taskID)
}

func (r *TaskLinkRepo) listColumn(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := r.conn.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
