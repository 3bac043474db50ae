package circulation

import (
	"context"

	"github.com/google/uuid"
)

// Directory answers existence and eligibility questions against the
// catalog and membership services before the engine commits a
// borrowing or reservation.
type Directory interface {
	// CheckTitle fails when the title does not exist or is retired.
	CheckTitle(ctx context.Context, titleID uuid.UUID) error
	// CheckBorrower fails when the member cannot borrow right now.
	CheckBorrower(ctx context.Context, memberID uuid.UUID) error
}

// OpenDirectory approves every check. Used by tests and by deployments
// that run circulation standalone.
type OpenDirectory struct{}

func (OpenDirectory) CheckTitle(context.Context, uuid.UUID) error    { return nil }
func (OpenDirectory) CheckBorrower(context.Context, uuid.UUID) error { return nil }
