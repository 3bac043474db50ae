// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service is the interface the circulation handlers program against.
type Service interface {
	Borrow(ctx context.Context, copyID, borrowerID uuid.UUID, loanPeriod time.Duration) (Borrowing, error)
	Return(ctx context.Context, borrowingID, actor uuid.UUID) (Borrowing, error)
	Renew(ctx context.Context, borrowingID uuid.UUID, extension time.Duration, actor uuid.UUID) (Borrowing, error)
	MarkLost(ctx context.Context, copyID, reporter uuid.UUID) error
	MarkDamaged(ctx context.Context, copyID, reporter uuid.UUID) error
	PickupReservation(ctx context.Context, reservationID, actor uuid.UUID) (Borrowing, error)
	ReportCondition(ctx context.Context, copyID uuid.UUID, condition Condition, actor uuid.UUID) error
	CompleteMaintenance(ctx context.Context, copyID uuid.UUID, condition Condition, actor uuid.UUID) error
	Retire(ctx context.Context, copyID, actor uuid.UUID) error
	OverduePreview(ctx context.Context, borrowingID uuid.UUID) (float64, error)
	BorrowerHistory(ctx context.Context, borrowerID uuid.UUID) ([]Borrowing, error)
}

// Reserving is the interface the handlers use for the reservation queue.
type Reserving interface {
	Enqueue(ctx context.Context, titleID, borrowerID uuid.UUID) (Reservation, error)
	Cancel(ctx context.Context, reservationID, actor uuid.UUID) error
	PendingCount(ctx context.Context, titleID uuid.UUID) (int, error)
}
