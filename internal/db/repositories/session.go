package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/pkg/models"
)

type SessionRepo struct{ conn *sql.DB }

func NewSessionRepo(conn *sql.DB) *SessionRepo { return &SessionRepo{conn: conn} }

const sessionSelect = `
	SELECT id, workspace_id, session_type, status, external_id, started_at, ended_at
	FROM sessions`

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	s.StartedAt = time.Now().UTC()
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, session_type, status, external_id, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.SessionType, s.Status, nullString(s.ExternalID), s.StartedAt, nullTime(s.EndedAt))
	return err
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(r.conn.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
}

func (r *SessionRepo) GetActiveForWorkspace(ctx context.Context, workspaceID string) (*models.Session, error) {
	return scanSession(r.conn.QueryRowContext(ctx, sessionSelect+` WHERE workspace_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		workspaceID, models.SessionActive))
}

func (r *SessionRepo) GetByExternalID(ctx context.Context, externalID string) (*models.Session, error) {
	return scanSession(r.conn.QueryRowContext(ctx, sessionSelect+` WHERE external_id = ? ORDER BY started_at DESC LIMIT 1`, externalID))
}

// Close marks a session closed or failed and stamps ended_at — invoked by
// the session reconciler when .kagan/session.json disappears or the
// terminal backend process exits (spec §3 Session Service).
func (r *SessionRepo) Close(ctx context.Context, id string, status models.SessionStatus) error {
	_, err := r.conn.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return err
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var externalID sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.SessionType, &s.Status, &externalID, &s.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	s.ExternalID = stringPtr(externalID)
	s.EndedAt = timePtr(endedAt)
	return &s, nil
}
