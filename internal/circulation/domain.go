// internal/circulation/domain.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CopyStatus is the lifecycle state of one physical copy.
type CopyStatus string

const (
	CopyAvailable   CopyStatus = "AVAILABLE"
	CopyBorrowed    CopyStatus = "BORROWED"
	CopyReserved    CopyStatus = "RESERVED"
	CopyMaintenance CopyStatus = "MAINTENANCE"
	CopyLost        CopyStatus = "LOST"
	CopyDamaged     CopyStatus = "DAMAGED"
)

// Condition grades the physical state of a copy.
type Condition string

const (
	ConditionNew       Condition = "NEW"
	ConditionExcellent Condition = "EXCELLENT"
	ConditionGood      Condition = "GOOD"
	ConditionFair      Condition = "FAIR"
	ConditionPoor      Condition = "POOR"
)

// Lendable reports whether a copy in this condition may be handed out.
func (c Condition) Lendable() bool {
	return c != ConditionPoor
}

// Copy represents one physical instance of a title.
type Copy struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Barcode    string     `json:"barcode" db:"barcode"`
	TitleID    uuid.UUID  `json:"title_id" db:"title_id"`
	Status     CopyStatus `json:"status" db:"status"`
	Condition  Condition  `json:"condition" db:"condition"`
	Location   string     `json:"location" db:"location"`
	HolderID   *uuid.UUID `json:"holder_id,omitempty" db:"holder_id"`
	BorrowedAt *time.Time `json:"borrowed_at,omitempty" db:"borrowed_at"`
	DueAt      *time.Time `json:"due_at,omitempty" db:"due_at"`
	Retired    bool       `json:"retired" db:"retired"`
	Version    int        `json:"version" db:"version"`
}

// BorrowingStatus is the lifecycle state of one loan.
type BorrowingStatus string

const (
	BorrowingActive    BorrowingStatus = "ACTIVE"
	BorrowingReturned  BorrowingStatus = "RETURNED"
	BorrowingOverdue   BorrowingStatus = "OVERDUE"
	BorrowingLost      BorrowingStatus = "LOST"
	BorrowingCancelled BorrowingStatus = "CANCELLED"
)

// Open reports whether the borrowing still holds the copy.
func (s BorrowingStatus) Open() bool {
	return s == BorrowingActive || s == BorrowingOverdue
}

// Borrowing is one instance of a copy being held by a borrower.
type Borrowing struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	CopyID     uuid.UUID       `json:"copy_id" db:"copy_id"`
	BorrowerID uuid.UUID       `json:"borrower_id" db:"borrower_id"`
	Status     BorrowingStatus `json:"status" db:"status"`
	BorrowDate time.Time       `json:"borrow_date" db:"borrow_date"`
	DueDate    time.Time       `json:"due_date" db:"due_date"`
	ReturnDate *time.Time      `json:"return_date,omitempty" db:"return_date"`
	Fine       float64         `json:"fine" db:"fine"`
	Version    int             `json:"version" db:"version"`
}

// ReservationStatus is the lifecycle state of one reservation.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationFulfilled ReservationStatus = "FULFILLED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Reservation is a borrower's queued claim on the next available copy
// of a title. CopyID is nil until the reservation is fulfilled.
type Reservation struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	TitleID          uuid.UUID         `json:"title_id" db:"title_id"`
	BorrowerID       uuid.UUID         `json:"borrower_id" db:"borrower_id"`
	Status           ReservationStatus `json:"status" db:"status"`
	ReservationDate  time.Time         `json:"reservation_date" db:"reservation_date"`
	ExpiryDate       time.Time         `json:"expiry_date" db:"expiry_date"`
	PickupExpiryDate *time.Time        `json:"pickup_expiry_date,omitempty" db:"pickup_expiry_date"`
	CopyID           *uuid.UUID        `json:"copy_id,omitempty" db:"copy_id"`
	Version          int               `json:"version" db:"version"`
}

// Before orders reservations for fulfillment: reservation date ascending,
// equal timestamps broken by id ascending so replay is deterministic.
func (r Reservation) Before(other Reservation) bool {
	if r.ReservationDate.Equal(other.ReservationDate) {
		return r.ID.String() < other.ID.String()
	}
	return r.ReservationDate.Before(other.ReservationDate)
}

// TransitionRecord is the immutable audit fact produced by every
// committed state change. It is handed to the audit emitter once per
// mutation and delivered downstream at least once.
type TransitionRecord struct {
	EventID    uuid.UUID `json:"event_id"`
	EntityType string    `json:"entity_type"`
	EntityID   uuid.UUID `json:"entity_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      uuid.UUID `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Entity type labels used in transition records.
const (
	EntityCopy        = "copy"
	EntityBorrowing   = "borrowing"
	EntityReservation = "reservation"
)

// Clock abstracts wall-clock time so overdue and expiry logic can be
// tested deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AuditSink receives committed transition records. Implementations must
// never fail or delay the business operation that produced the record.
type AuditSink interface {
	Record(ctx context.Context, rec TransitionRecord)
}

// Notifier is told about reservation and overdue milestones so the
// notification service can reach the borrower. Best effort only.
type Notifier interface {
	ReservationFulfilled(ctx context.Context, res Reservation)
	BorrowingOverdue(ctx context.Context, b Borrowing)
}
