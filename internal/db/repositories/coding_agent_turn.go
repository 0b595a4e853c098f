package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

// CodingAgentTurnRepo records each coding-agent turn (prompt in, summary
// out) so the UI can render conversation history without replaying ACP
// transcripts from scratch.
type CodingAgentTurnRepo struct{ conn *sql.DB }

func NewCodingAgentTurnRepo(conn *sql.DB) *CodingAgentTurnRepo { return &CodingAgentTurnRepo{conn: conn} }

const turnSelect = `
	SELECT id, execution_process_id, agent_session_id, prompt, summary, seen, agent_message_id, created_at, updated_at
	FROM coding_agent_turns`

func (r *CodingAgentTurnRepo) Create(ctx context.Context, t *models.CodingAgentTurn) error {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO coding_agent_turns (id, execution_process_id, agent_session_id, prompt, summary, seen, agent_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ExecutionProcessID, nullString(t.AgentSessionID), nullString(t.Prompt), nullString(t.Summary),
		t.Seen, nullString(t.AgentMessageID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r *CodingAgentTurnRepo) ListForExecution(ctx context.Context, executionProcessID string) ([]*models.CodingAgentTurn, error) {
	rows, err := r.conn.QueryContext(ctx, turnSelect+` WHERE execution_process_id = ? ORDER BY created_at ASC`, executionProcessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.CodingAgentTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *CodingAgentTurnRepo) MarkSeen(ctx context.Context, id string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE coding_agent_turns SET seen = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (r *CodingAgentTurnRepo) SetSummary(ctx context.Context, id, summary string) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE coding_agent_turns SET summary = ?, updated_at = ? WHERE id = ?`, summary, time.Now().UTC(), id)
	return err
}

func scanTurn(row rowScanner) (*models.CodingAgentTurn, error) {
	var t models.CodingAgentTurn
	var agentSessionID, prompt, summary, agentMessageID sql.NullString
	if err := row.Scan(&t.ID, &t.ExecutionProcessID, &agentSessionID, &prompt, &summary, &t.Seen,
		&agentMessageID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.AgentSessionID = stringPtr(agentSessionID)
	t.Prompt = stringPtr(prompt)
	t.Summary = stringPtr(summary)
	t.AgentMessageID = stringPtr(agentMessageID)
	return &t, nil
}
