package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"messenger-courier/internal/session/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, status, created_at, last_active_at
		FROM sessions
		WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Create persists the session to the database. The session must have ID set.
// Creating an id that already exists is a no-op, so concurrent create
// requests for the same session cannot fail each other.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_id, status, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.AccountID, string(s.Status), s.CreatedAt, s.LastActiveAt)
	return err
}

// UpdateStatus sets the lifecycle status for the given session id.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, last_active_at = now() WHERE id = $1
	`, id, string(status))
	return err
}

// SetAccountID records the network account id learned when pairing completes.
func (r *PostgresRepository) SetAccountID(ctx context.Context, id, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET account_id = $2 WHERE id = $1
	`, id, accountID)
	return err
}

// UpdateLastActive sets the session's last-active timestamp for the given id.
func (r *PostgresRepository) UpdateLastActive(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = $2 WHERE id = $1
	`, id, at)
	return err
}

// ListByStatus returns all sessions whose status is one of statuses, oldest
// first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	query := fmt.Sprintf(`
		SELECT id, account_id, status, created_at, last_active_at
		FROM sessions
		WHERE status IN (%s)
		ORDER BY created_at
	`, strings.Join(placeholders, ", "))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountAll returns the number of sessions ever created and not removed.
func (r *PostgresRepository) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions`).Scan(&n)
	return n, err
}

// CountByStatus returns the number of sessions currently in status.
func (r *PostgresRepository) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sessions WHERE status = $1
	`, string(status)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var status string
	if err := row.Scan(&s.ID, &s.AccountID, &status, &s.CreatedAt, &s.LastActiveAt); err != nil {
		return nil, err
	}
	s.Status = domain.Status(status)
	return &s, nil
}
