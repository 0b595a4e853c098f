package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/kagan-sh/kagan-core/internal/idgen"
	"github.com/kagan-sh/kagan-core/pkg/models"
)

// ScratchRepo is a generic typed key/value store keyed by
// (scratch_type, lookup_key) — used for small auxiliary state (e.g.
// per-workspace planner notes) that doesn't warrant its own table.
type ScratchRepo struct{ conn *sql.DB }

func NewScratchRepo(conn *sql.DB) *ScratchRepo { return &ScratchRepo{conn: conn} }

func (r *ScratchRepo) Upsert(ctx context.Context, scratchType models.ScratchType, lookupKey string, payload map[string]any) (*models.Scratch, error) {
	now := time.Now().UTC()
	payloadJSON, err := jsonColumn(payload)
	if err != nil {
		return nil, err
	}
	s := &models.Scratch{
		ID:          idgen.New(),
		ScratchType: scratchType,
		LookupKey:   lookupKey,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO scratch (id, scratch_type, lookup_key, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scratch_type, lookup_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		s.ID, s.ScratchType, s.LookupKey, payloadJSON, s.CreatedAt, s.UpdatedAt)
	return s, err
}

func (r *ScratchRepo) Get(ctx context.Context, scratchType models.ScratchType, lookupKey string) (*models.Scratch, error) {
	row := r.conn.QueryRowContext(ctx, `
		SELECT id, scratch_type, lookup_key, payload, created_at, updated_at
		FROM scratch WHERE scratch_type = ? AND lookup_key = ?`, scratchType, lookupKey)
	var s models.Scratch
	var payload sql.NullString
	if err := row.Scan(&s.ID, &s.ScratchType, &s.LookupKey, &payload, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.Payload = map[string]any{}
	if err := scanJSON(payload, &s.Payload); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *ScratchRepo) Delete(ctx context.Context, scratchType models.ScratchType, lookupKey string) error {
	_, err := r.conn.ExecContext(ctx, `DELETE FROM scratch WHERE scratch_type = ? AND lookup_key = ?`, scratchType, lookupKey)
	return err
}
