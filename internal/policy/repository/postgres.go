package repository

import (
	"context"
	"database/sql"
	"errors"

	"messenger-courier/internal/policy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an inbound policy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// GetBySession returns the policy for sessionID, or nil if no override exists.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetBySession(ctx context.Context, sessionID string) (*domain.InboundPolicy, error) {
	var p domain.InboundPolicy
	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, module, updated_at
		FROM inbound_policies
		WHERE session_id = $1
	`, sessionID).Scan(&p.SessionID, &p.Module, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// Upsert writes or replaces the policy for its session.
func (r *PostgresRepository) Upsert(ctx context.Context, p *domain.InboundPolicy) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inbound_policies (session_id, module, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET module = EXCLUDED.module, updated_at = now()
	`, p.SessionID, p.Module)
	return err
}

// Delete removes the policy override for sessionID, if any.
func (r *PostgresRepository) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM inbound_policies WHERE session_id = $1
	`, sessionID)
	return err
}
