package repository

import (
	"context"
	"time"

	"messenger-courier/internal/session/domain"
)

// Repository defines persistence for session metadata.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	UpdateStatus(ctx context.Context, id string, status domain.Status) error
	SetAccountID(ctx context.Context, id, accountID string) error
	UpdateLastActive(ctx context.Context, id string, at time.Time) error
	ListByStatus(ctx context.Context, statuses ...domain.Status) ([]*domain.Session, error)
	CountAll(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status domain.Status) (int64, error)
}
