package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// AuditRepo is the append-only audit trail the request dispatcher (C13) writes to
// on every capability dispatch — spec §7's record of what ran, for whom,
// with what payload, and whether it succeeded.
type AuditRepo struct{ conn *sql.DB }

func NewAuditRepo(conn *sql.DB) *AuditRepo { return &AuditRepo{conn: conn} }

func (r *AuditRepo) Record(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = idgen.NewUUID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := jsonColumn(e.PayloadJSON)
	if err != nil {
		return err
	}
	result, err := jsonColumn(e.ResultJSON)
	if err != nil {
		return err
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, actor_type, actor_id, session_id, capability, command_name, payload_json, result_json, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OccurredAt, e.ActorType, e.ActorID, nullString(e.SessionID), e.Capability, e.CommandName, payload, result, e.Success)
	return err
}

func (r *AuditRepo) ListRecent(ctx context.Context, limit int) ([]*models.AuditEvent, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT id, occurred_at, actor_type, actor_id, session_id, capability, command_name, payload_json, result_json, success
		FROM audit_events ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var sessionID sql.NullString
		var payload, result sql.NullString
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorType, &e.ActorID, &sessionID, &e.Capability,
			&e.CommandName, &payload, &result, &e.Success); err != nil {
			return nil, err
		}
		e.SessionID = stringPtr(sessionID)
		e.PayloadJSON = map[string]any{}
		if err := scanJSON(payload, &e.PayloadJSON); err != nil {
			return nil, err
		}
		e.ResultJSON = map[string]any{}
		if err := scanJSON(result, &e.ResultJSON); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
