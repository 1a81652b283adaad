package repository

import (
	"context"

	"messenger-courier/internal/policy/domain"
)

// Repository defines persistence for inbound policies.
type Repository interface {
	GetBySession(ctx context.Context, sessionID string) (*domain.InboundPolicy, error)
	Upsert(ctx context.Context, p *domain.InboundPolicy) error
	Delete(ctx context.Context, sessionID string) error
}
