// internal/circulation/store.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence adapter for the circulation engine. All
// mutation methods take the entity with Version set to the version the
// caller read; the store applies the write only when the stored version
// still matches (compare-and-swap) and bumps it by one. A lost race
// returns ErrStaleState with nothing written.
type Store interface {
	CreateCopy(ctx context.Context, c Copy) error
	GetCopy(ctx context.Context, id uuid.UUID) (Copy, error)
	CASCopy(ctx context.Context, c Copy) error

	CreateBorrowing(ctx context.Context, b Borrowing) error
	GetBorrowing(ctx context.Context, id uuid.UUID) (Borrowing, error)
	OpenBorrowingByCopy(ctx context.Context, copyID uuid.UUID) (Borrowing, error)
	ListActiveDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]Borrowing, error)
	ListBorrowingsByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Borrowing, error)
	CASBorrowing(ctx context.Context, b Borrowing) error

	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	OldestPendingByTitle(ctx context.Context, titleID uuid.UUID) (Reservation, error)
	CountPendingByTitle(ctx context.Context, titleID uuid.UUID) (int, error)
	ListPendingExpiredBefore(ctx context.Context, cutoff time.Time) ([]Reservation, error)
	ListFulfilledPickupExpiredBefore(ctx context.Context, cutoff time.Time) ([]Reservation, error)
	CASReservation(ctx context.Context, r Reservation) error
}
