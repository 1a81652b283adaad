package repository

import (
	"context"

	"messenger-courier/internal/audit/domain"
)

// Repository defines persistence for journal events.
type Repository interface {
	Create(ctx context.Context, e *domain.Event) error
	ListBySession(ctx context.Context, sessionID string, limit, offset int32) ([]*domain.Event, error)
}
