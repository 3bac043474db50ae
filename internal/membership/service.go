package membership

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the membership operations.
type Service interface {
	RegisterMember(ctx context.Context, email, name, password string) (*Member, error)
	Authenticate(ctx context.Context, email, password string) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	UpdateTier(ctx context.Context, id uuid.UUID, tier Tier) error
	Suspend(ctx context.Context, id uuid.UUID) error
	Reinstate(ctx context.Context, id uuid.UUID) error
}
