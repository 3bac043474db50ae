// internal/circulation/coordinator.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// CoordinatorConfig carries the lending tunables as explicit parameters.
type CoordinatorConfig struct {
	DefaultLoanPeriod time.Duration
	MaxCASRetries     uint
	Fines             FineSchedule
}

// Coordinator orchestrates borrow, return, renew and administrative
// transitions. Every operation is a single logical unit: it fully
// applies (borrowing + copy + audit record) or leaves no trace, with a
// compensating transition when the second write of a pair fails. A lost
// compare-and-swap is re-attempted with fresh state a bounded number of
// times before ErrStaleState surfaces to the caller.
type Coordinator struct {
	store    Store
	registry *CopyRegistry
	queue    *ReservationQueue
	clock    Clock
	audit    AuditSink
	cfg      CoordinatorConfig
}

func NewCoordinator(store Store, registry *CopyRegistry, queue *ReservationQueue, clock Clock, audit AuditSink, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxCASRetries == 0 {
		cfg.MaxCASRetries = 4
	}
	return &Coordinator{
		store:    store,
		registry: registry,
		queue:    queue,
		clock:    clock,
		audit:    audit,
		cfg:      cfg,
	}
}

// withCASRetry re-runs op with exponential backoff while it loses
// compare-and-swap races. Any other error fails fast.
func withCASRetry[T any](ctx context.Context, maxTries uint, op backoff.Operation[T]) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))
}

// permanentUnlessStale marks every error except ErrStaleState as
// non-retryable for the backoff wrapper.
func permanentUnlessStale(err error) error {
	if errors.Is(err, ErrStaleState) {
		return err
	}
	return backoff.Permanent(err)
}

// Borrow lends an AVAILABLE, lendable copy to a borrower for loanPeriod
// (the configured default when zero).
func (co *Coordinator) Borrow(ctx context.Context, copyID, borrowerID uuid.UUID, loanPeriod time.Duration) (Borrowing, error) {
	if loanPeriod <= 0 {
		loanPeriod = co.cfg.DefaultLoanPeriod
	}

	return withCASRetry(ctx, co.cfg.MaxCASRetries, func() (Borrowing, error) {
		c, err := co.store.GetCopy(ctx, copyID)
		if err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}
		if c.Retired || c.Status != CopyAvailable || !c.Condition.Lendable() {
			return Borrowing{}, backoff.Permanent(ErrCopyNotAvailable)
		}

		now := co.clock.Now()
		due := now.Add(loanPeriod)
		b := Borrowing{
			ID:         uuid.New(),
			CopyID:     copyID,
			BorrowerID: borrowerID,
			Status:     BorrowingActive,
			BorrowDate: now,
			DueDate:    due,
		}

		copyRec, err := co.registry.TryTransition(ctx, copyID, CopyAvailable, CopyBorrowed, TransitionMeta{
			Actor:      borrowerID,
			Holder:     &borrowerID,
			BorrowedAt: &now,
			DueAt:      &due,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrCopyNotAvailable) {
				return Borrowing{}, backoff.Permanent(ErrCopyNotAvailable)
			}
			return Borrowing{}, permanentUnlessStale(err)
		}

		if err := co.store.CreateBorrowing(ctx, b); err != nil {
			co.revertCopy(ctx, copyID, CopyBorrowed, CopyAvailable, borrowerID)
			return Borrowing{}, backoff.Permanent(fmt.Errorf("create borrowing: %w", err))
		}
		b.Version = 1

		co.audit.Record(ctx, copyRec)
		co.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityBorrowing,
			EntityID:   b.ID,
			From:       "",
			To:         string(BorrowingActive),
			Actor:      borrowerID,
			OccurredAt: now,
		})
		return b, nil
	})
}

// Return closes an ACTIVE or OVERDUE borrowing, computes any late fine,
// and frees the copy: straight to the oldest pending reservation for
// the title when one exists, back to the shelf otherwise.
func (co *Coordinator) Return(ctx context.Context, borrowingID, actor uuid.UUID) (Borrowing, error) {
	return withCASRetry(ctx, co.cfg.MaxCASRetries, func() (Borrowing, error) {
		b, err := co.store.GetBorrowing(ctx, borrowingID)
		if err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}
		if !b.Status.Open() {
			return Borrowing{}, backoff.Permanent(ErrNotBorrowed)
		}

		now := co.clock.Now()
		from := b.Status

		returned := b
		returned.Status = BorrowingReturned
		returned.ReturnDate = &now
		returned.Fine = Fine(b.DueDate, now, co.cfg.Fines.DailyRate, co.cfg.Fines.Cap)

		if err := co.store.CASBorrowing(ctx, returned); err != nil {
			return Borrowing{}, permanentUnlessStale(err)
		}
		returned.Version++

		if err := co.freeCopy(ctx, b.CopyID, actor); err != nil {
			co.reopenBorrowing(ctx, b, returned.Version)
			return Borrowing{}, backoff.Permanent(err)
		}

		co.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityBorrowing,
			EntityID:   b.ID,
			From:       string(from),
			To:         string(BorrowingReturned),
			Actor:      actor,
			OccurredAt: now,
		})
		return returned, nil
	})
}

// freeCopy releases a just-returned copy: hand-off to the reservation
// queue when somebody is waiting, otherwise back to AVAILABLE. Retried
// internally; a permanent failure is compensated by the caller
// reopening the borrowing so the return can be run again.
func (co *Coordinator) freeCopy(ctx context.Context, copyID, actor uuid.UUID) error {
	_, err := withCASRetry(ctx, co.cfg.MaxCASRetries, func() (struct{}, error) {
		var none struct{}

		c, err := co.store.GetCopy(ctx, copyID)
		if err != nil {
			return none, backoff.Permanent(err)
		}
		if c.Status != CopyBorrowed {
			return none, nil // already released through another path
		}

		waiting, err := co.queue.PendingCount(ctx, c.TitleID)
		if err != nil {
			return none, backoff.Permanent(err)
		}
		if waiting > 0 {
			handedOff, err := co.queue.Fulfill(ctx, c.TitleID, c.ID, CopyBorrowed, actor)
			if err != nil {
				return none, permanentUnlessStale(err)
			}
			if handedOff {
				return none, nil
			}
		}

		rec, err := co.registry.TryTransition(ctx, c.ID, CopyBorrowed, CopyAvailable, TransitionMeta{
			Actor:     actor,
			ViaReturn: true,
		})
		if err != nil {
			return none, permanentUnlessStale(err)
		}
		co.audit.Record(ctx, rec)
		return none, nil
	})
	return err
}

// Renew extends an ACTIVE borrowing unless another borrower is waiting
// on the title; first come, first served.
func (co *Coordinator) Renew(ctx context.Context, borrowingID uuid.UUID, extension time.Duration, actor uuid.UUID) (Borrowing, error) {
	return withCASRetry(ctx, co.cfg.MaxCASRetries, func() (Borrowing, error) {
		b, err := co.store.GetBorrowing(ctx, borrowingID)
		if err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}
		if b.Status != BorrowingActive {
			return Borrowing{}, backoff.Permanent(ErrNotBorrowed)
		}

		c, err := co.store.GetCopy(ctx, b.CopyID)
		if err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}
		waiting, err := co.queue.PendingCount(ctx, c.TitleID)
		if err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}
		if waiting > 0 {
			return Borrowing{}, backoff.Permanent(ErrReservationWaiting)
		}

		renewed := b
		renewed.DueDate = b.DueDate.Add(extension)
		if err := co.store.CASBorrowing(ctx, renewed); err != nil {
			return Borrowing{}, permanentUnlessStale(err)
		}
		renewed.Version++

		if err := co.extendCopyDue(ctx, b.CopyID, renewed.DueDate); err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}

		co.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityBorrowing,
			EntityID:   b.ID,
			From:       string(BorrowingActive),
			To:         string(BorrowingActive),
			Actor:      actor,
			OccurredAt: co.clock.Now(),
		})
		return renewed, nil
	})
}

// MarkLost records a copy as lost. Permitted for any copy except one
// borrowed by somebody other than the reporter; a copy lost by its own
// borrower also closes the borrowing as LOST with the accrued fine.
func (co *Coordinator) MarkLost(ctx context.Context, copyID, reporter uuid.UUID) error {
	return co.markGone(ctx, copyID, reporter, CopyLost, BorrowingLost)
}

// MarkDamaged records a copy as damaged, closing an open borrowing held
// by the reporter as RETURNED first.
func (co *Coordinator) MarkDamaged(ctx context.Context, copyID, reporter uuid.UUID) error {
	return co.markGone(ctx, copyID, reporter, CopyDamaged, BorrowingReturned)
}

func (co *Coordinator) markGone(ctx context.Context, copyID, reporter uuid.UUID, target CopyStatus, closeAs BorrowingStatus) error {
	_, err := withCASRetry(ctx, co.cfg.MaxCASRetries, func() (struct{}, error) {
		var none struct{}

		c, err := co.store.GetCopy(ctx, copyID)
		if err != nil {
			return none, backoff.Permanent(err)
		}

		meta := TransitionMeta{Actor: reporter}
		if c.Status == CopyBorrowed {
			open, err := co.store.OpenBorrowingByCopy(ctx, copyID)
			if err != nil {
				return none, backoff.Permanent(err)
			}
			if open.BorrowerID != reporter {
				return none, backoff.Permanent(ErrCopyHeldByOther)
			}
			meta.ReporterIsHolder = true

			now := co.clock.Now()
			from := open.Status
			closed := open
			closed.Status = closeAs
			closed.ReturnDate = &now
			closed.Fine = Fine(open.DueDate, now, co.cfg.Fines.DailyRate, co.cfg.Fines.Cap)
			if err := co.store.CASBorrowing(ctx, closed); err != nil {
				return none, permanentUnlessStale(err)
			}
			co.audit.Record(ctx, TransitionRecord{
				EventID:    uuid.New(),
				EntityType: EntityBorrowing,
				EntityID:   open.ID,
				From:       string(from),
				To:         string(closeAs),
				Actor:      reporter,
				OccurredAt: now,
			})
		}

		rec, err := co.registry.TryTransition(ctx, copyID, c.Status, target, meta)
		if err != nil {
			return none, permanentUnlessStale(err)
		}
		co.audit.Record(ctx, rec)
		return none, nil
	})
	return err
}

// PickupReservation converts a fulfilled reservation into an active
// borrowing of the held copy.
func (co *Coordinator) PickupReservation(ctx context.Context, reservationID, actor uuid.UUID) (Borrowing, error) {
	return withCASRetry(ctx, co.cfg.MaxCASRetries, func() (Borrowing, error) {
		res, err := co.store.GetReservation(ctx, reservationID)
		if err != nil {
			return Borrowing{}, backoff.Permanent(err)
		}
		if res.Status != ReservationFulfilled || res.CopyID == nil {
			return Borrowing{}, backoff.Permanent(ErrNotPending)
		}

		now := co.clock.Now()
		due := now.Add(co.cfg.DefaultLoanPeriod)
		b := Borrowing{
			ID:         uuid.New(),
			CopyID:     *res.CopyID,
			BorrowerID: res.BorrowerID,
			Status:     BorrowingActive,
			BorrowDate: now,
			DueDate:    due,
		}

		copyRec, err := co.registry.TryTransition(ctx, *res.CopyID, CopyReserved, CopyBorrowed, TransitionMeta{
			Actor:      actor,
			Holder:     &res.BorrowerID,
			BorrowedAt: &now,
			DueAt:      &due,
		})
		if err != nil {
			return Borrowing{}, permanentUnlessStale(err)
		}

		if err := co.store.CreateBorrowing(ctx, b); err != nil {
			// Put the copy back on hold for the reservation holder.
			_, _ = co.registry.TryTransition(ctx, *res.CopyID, CopyBorrowed, CopyReserved, TransitionMeta{
				Actor:  actor,
				Holder: &res.BorrowerID,
			})
			return Borrowing{}, backoff.Permanent(fmt.Errorf("create borrowing: %w", err))
		}
		b.Version = 1

		// Consume the claim so the pickup-expiry sweep leaves it alone.
		claimed := res
		claimed.PickupExpiryDate = nil
		if err := co.store.CASReservation(ctx, claimed); err != nil && !errors.Is(err, ErrStaleState) {
			return Borrowing{}, backoff.Permanent(err)
		}

		co.audit.Record(ctx, copyRec)
		co.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityBorrowing,
			EntityID:   b.ID,
			From:       "",
			To:         string(BorrowingActive),
			Actor:      actor,
			OccurredAt: now,
		})
		return b, nil
	})
}

// ReportCondition downgrades (or upgrades) a copy's condition. A copy
// graded POOR is forced into MAINTENANCE unless it is currently out.
func (co *Coordinator) ReportCondition(ctx context.Context, copyID uuid.UUID, condition Condition, actor uuid.UUID) error {
	_, err := withCASRetry(ctx, co.cfg.MaxCASRetries, func() (struct{}, error) {
		var none struct{}

		c, err := co.store.GetCopy(ctx, copyID)
		if err != nil {
			return none, backoff.Permanent(err)
		}

		if condition == ConditionPoor && c.Status != CopyBorrowed && c.Status != CopyMaintenance {
			rec, err := co.registry.TryTransition(ctx, copyID, c.Status, CopyMaintenance, TransitionMeta{
				Actor:        actor,
				NewCondition: &condition,
			})
			if err != nil {
				return none, permanentUnlessStale(err)
			}
			co.audit.Record(ctx, rec)
			return none, nil
		}

		c.Condition = condition
		if err := co.store.CASCopy(ctx, c); err != nil {
			return none, permanentUnlessStale(err)
		}
		return none, nil
	})
	return err
}

// CompleteMaintenance puts a repaired copy back on the shelf with its
// post-repair condition. A copy still graded POOR stays in maintenance.
func (co *Coordinator) CompleteMaintenance(ctx context.Context, copyID uuid.UUID, condition Condition, actor uuid.UUID) error {
	_, err := withCASRetry(ctx, co.cfg.MaxCASRetries, func() (struct{}, error) {
		var none struct{}

		rec, err := co.registry.TryTransition(ctx, copyID, CopyMaintenance, CopyAvailable, TransitionMeta{
			Actor:        actor,
			NewCondition: &condition,
		})
		if err != nil {
			return none, permanentUnlessStale(err)
		}
		co.audit.Record(ctx, rec)
		return none, nil
	})
	return err
}

// Retire soft-retires a copy. A copy currently out stays on the books
// until it comes back or is adjudicated lost.
func (co *Coordinator) Retire(ctx context.Context, copyID, actor uuid.UUID) error {
	_, err := withCASRetry(ctx, co.cfg.MaxCASRetries, func() (struct{}, error) {
		var none struct{}

		c, err := co.store.GetCopy(ctx, copyID)
		if err != nil {
			return none, backoff.Permanent(err)
		}
		if c.Status == CopyBorrowed {
			return none, backoff.Permanent(ErrCopyHeldByOther)
		}
		if c.Retired {
			return none, nil
		}

		c.Retired = true
		if err := co.store.CASCopy(ctx, c); err != nil {
			return none, permanentUnlessStale(err)
		}

		co.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityCopy,
			EntityID:   copyID,
			From:       string(c.Status),
			To:         "RETIRED",
			Actor:      actor,
			OccurredAt: co.clock.Now(),
		})
		return none, nil
	})
	return err
}

// OverduePreview reports the fine a borrowing would accrue if returned
// now. Read-only.
func (co *Coordinator) OverduePreview(ctx context.Context, borrowingID uuid.UUID) (float64, error) {
	b, err := co.store.GetBorrowing(ctx, borrowingID)
	if err != nil {
		return 0, err
	}
	return co.cfg.Fines.Preview(b, co.clock.Now()), nil
}

// BorrowerHistory lists a member's borrowings, oldest first.
func (co *Coordinator) BorrowerHistory(ctx context.Context, borrowerID uuid.UUID) ([]Borrowing, error) {
	return co.store.ListBorrowingsByBorrower(ctx, borrowerID)
}

// extendCopyDue mirrors a renewed borrowing's due date onto the copy.
// Re-read and retried on a lost race so the copy cannot silently keep
// the old date.
func (co *Coordinator) extendCopyDue(ctx context.Context, copyID uuid.UUID, due time.Time) error {
	_, err := withCASRetry(ctx, co.cfg.MaxCASRetries, func() (struct{}, error) {
		var none struct{}

		c, err := co.store.GetCopy(ctx, copyID)
		if err != nil {
			return none, backoff.Permanent(err)
		}
		c.DueAt = &due
		if err := co.registry.ExtendDue(ctx, c); err != nil {
			return none, permanentUnlessStale(err)
		}
		return none, nil
	})
	return err
}

// revertCopy is the compensation for a failed second write: it undoes a
// committed copy transition so the operation leaves no partial state.
func (co *Coordinator) revertCopy(ctx context.Context, copyID uuid.UUID, from, to CopyStatus, actor uuid.UUID) {
	meta := TransitionMeta{Actor: actor, ViaReturn: true, ReporterIsHolder: true}
	// Best effort: when the undo itself fails too, only the original
	// error surfaces and the copy needs operator attention.
	_, _ = co.registry.TryTransition(ctx, copyID, from, to, meta)
}

// reopenBorrowing is the compensation for a failed copy release: it
// puts a just-closed borrowing back into its prior open state so a
// retried return runs the whole pair again.
func (co *Coordinator) reopenBorrowing(ctx context.Context, prior Borrowing, currentVersion int) {
	reopened := prior
	reopened.Version = currentVersion
	// Best effort, same contract as revertCopy.
	_ = co.store.CASBorrowing(ctx, reopened)
}
