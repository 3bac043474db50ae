package catalog

import (
	"context"

	"github.com/google/uuid"
)

// NewTitle is the payload for adding a title to the catalog.
type NewTitle struct {
	ISBN          string
	Name          string
	Author        string
	Publisher     string
	PublishedYear int
}

// Service defines the catalog operations.
type Service interface {
	AddTitle(ctx context.Context, in NewTitle) (*Title, error)
	GetTitle(ctx context.Context, id uuid.UUID) (*Title, error)
	UpdateTitle(ctx context.Context, t Title) (*Title, error)
	RetireTitle(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string) ([]*Title, error)
}
