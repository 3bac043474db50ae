// internal/circulation/queue.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SystemActor marks transitions driven by timers rather than a member
// or librarian.
var SystemActor = uuid.Nil

// QueueConfig holds the reservation tunables. Both windows are explicit
// parameters, never read from global state.
type QueueConfig struct {
	// PickupWindow is how long a fulfilled reservation holds its copy.
	PickupWindow time.Duration
	// ReservationTTL is how long a pending reservation waits before it
	// expires unfulfilled.
	ReservationTTL time.Duration
}

// ReservationQueue keeps the per-title FIFO of pending reservations and
// assigns freed copies to the oldest claim. Operations on one title are
// serialized by a per-title mutex; unrelated titles never contend.
type ReservationQueue struct {
	store    Store
	registry *CopyRegistry
	clock    Clock
	audit    AuditSink
	notifier Notifier
	cfg      QueueConfig

	titleLocks sync.Map // uuid.UUID -> *sync.Mutex
}

func NewReservationQueue(store Store, registry *CopyRegistry, clock Clock, audit AuditSink, notifier Notifier, cfg QueueConfig) *ReservationQueue {
	return &ReservationQueue{
		store:    store,
		registry: registry,
		clock:    clock,
		audit:    audit,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (q *ReservationQueue) lockTitle(titleID uuid.UUID) func() {
	v, _ := q.titleLocks.LoadOrStore(titleID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Enqueue files a pending reservation for the next available copy of a
// title. Ordering within a title follows the reservation date, id
// ascending on ties.
func (q *ReservationQueue) Enqueue(ctx context.Context, titleID, borrowerID uuid.UUID) (Reservation, error) {
	defer q.lockTitle(titleID)()

	now := q.clock.Now()
	r := Reservation{
		ID:              uuid.New(),
		TitleID:         titleID,
		BorrowerID:      borrowerID,
		Status:          ReservationPending,
		ReservationDate: now,
		ExpiryDate:      now.Add(q.cfg.ReservationTTL),
	}
	if err := q.store.CreateReservation(ctx, r); err != nil {
		return Reservation{}, fmt.Errorf("enqueue reservation: %w", err)
	}
	r.Version = 1

	q.audit.Record(ctx, TransitionRecord{
		EventID:    uuid.New(),
		EntityType: EntityReservation,
		EntityID:   r.ID,
		From:       "",
		To:         string(ReservationPending),
		Actor:      borrowerID,
		OccurredAt: now,
	})
	return r, nil
}

// Fulfill hands a freed copy to the oldest pending reservation for its
// title. expected is the copy status the caller committed to freeing
// from (BORROWED on return, AVAILABLE on expiry cascade). Returns false
// with no error when nobody is waiting, in which case the copy is left
// untouched for the caller.
func (q *ReservationQueue) Fulfill(ctx context.Context, titleID, copyID uuid.UUID, expected CopyStatus, actor uuid.UUID) (bool, error) {
	defer q.lockTitle(titleID)()
	return q.fulfillLocked(ctx, titleID, copyID, expected, actor)
}

func (q *ReservationQueue) fulfillLocked(ctx context.Context, titleID, copyID uuid.UUID, expected CopyStatus, actor uuid.UUID) (bool, error) {
	for {
		res, err := q.store.OldestPendingByTitle(ctx, titleID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		now := q.clock.Now()
		claimed := res
		claimed.Status = ReservationFulfilled
		pickupBy := now.Add(q.cfg.PickupWindow)
		claimed.PickupExpiryDate = &pickupBy
		claimed.CopyID = &copyID

		if err := q.store.CASReservation(ctx, claimed); err != nil {
			if errors.Is(err, ErrStaleState) {
				// Raced with a cancel or expiry; take the next in line.
				continue
			}
			return false, err
		}

		copyRec, err := q.registry.TryTransition(ctx, copyID, expected, CopyReserved, TransitionMeta{
			Actor:  actor,
			Holder: &res.BorrowerID,
		})
		if err != nil {
			// Undo the claim so the reservation keeps its place in line.
			if cur, gerr := q.store.GetReservation(ctx, res.ID); gerr == nil {
				cur.Status = ReservationPending
				cur.PickupExpiryDate = nil
				cur.CopyID = nil
				_ = q.store.CASReservation(ctx, cur)
			}
			return false, err
		}

		q.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityReservation,
			EntityID:   res.ID,
			From:       string(ReservationPending),
			To:         string(ReservationFulfilled),
			Actor:      actor,
			OccurredAt: now,
		})
		q.audit.Record(ctx, copyRec)

		if q.notifier != nil {
			q.notifier.ReservationFulfilled(ctx, claimed)
		}
		return true, nil
	}
}

// Cancel withdraws a pending reservation.
func (q *ReservationQueue) Cancel(ctx context.Context, reservationID, actor uuid.UUID) error {
	res, err := q.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	defer q.lockTitle(res.TitleID)()

	res, err = q.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != ReservationPending {
		return ErrNotPending
	}

	res.Status = ReservationCancelled
	if err := q.store.CASReservation(ctx, res); err != nil {
		return err
	}

	q.audit.Record(ctx, TransitionRecord{
		EventID:    uuid.New(),
		EntityType: EntityReservation,
		EntityID:   res.ID,
		From:       string(ReservationPending),
		To:         string(ReservationCancelled),
		Actor:      actor,
		OccurredAt: q.clock.Now(),
	})
	return nil
}

// PendingCount reports how many borrowers are waiting on a title.
func (q *ReservationQueue) PendingCount(ctx context.Context, titleID uuid.UUID) (int, error) {
	return q.store.CountPendingByTitle(ctx, titleID)
}

// ExpireStale transitions pending reservations past their expiry date
// and fulfilled reservations past their pickup window to EXPIRED. A
// freed pickup copy goes back to AVAILABLE and is immediately offered to
// the next pending reservation (cascading fulfillment). Safe to run
// repeatedly; an already-expired reservation is not listed again.
func (q *ReservationQueue) ExpireStale(ctx context.Context, now time.Time) error {
	pending, err := q.store.ListPendingExpiredBefore(ctx, now)
	if err != nil {
		return err
	}
	for _, res := range pending {
		if err := q.expirePending(ctx, res.ID, now); err != nil && !errors.Is(err, ErrStaleState) {
			return err
		}
	}

	fulfilled, err := q.store.ListFulfilledPickupExpiredBefore(ctx, now)
	if err != nil {
		return err
	}
	for _, res := range fulfilled {
		freedCopy, err := q.expireFulfilled(ctx, res.ID, now)
		if err != nil {
			if errors.Is(err, ErrStaleState) {
				continue
			}
			return err
		}
		if freedCopy == nil {
			continue
		}
		// Cascade outside the expire critical section; Fulfill takes the
		// title lock itself.
		if _, err := q.Fulfill(ctx, res.TitleID, *freedCopy, CopyAvailable, SystemActor); err != nil && !errors.Is(err, ErrStaleState) {
			return err
		}
	}
	return nil
}

func (q *ReservationQueue) expirePending(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := q.store.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	defer q.lockTitle(res.TitleID)()

	res, err = q.store.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if res.Status != ReservationPending || !res.ExpiryDate.Before(now) {
		return nil
	}

	res.Status = ReservationExpired
	if err := q.store.CASReservation(ctx, res); err != nil {
		return err
	}
	q.audit.Record(ctx, TransitionRecord{
		EventID:    uuid.New(),
		EntityType: EntityReservation,
		EntityID:   res.ID,
		From:       string(ReservationPending),
		To:         string(ReservationExpired),
		Actor:      SystemActor,
		OccurredAt: now,
	})
	return nil
}

// expireFulfilled expires one unpicked reservation and releases its held
// copy. Returns the freed copy id when a cascade should follow.
func (q *ReservationQueue) expireFulfilled(ctx context.Context, id uuid.UUID, now time.Time) (*uuid.UUID, error) {
	res, err := q.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := q.lockTitle(res.TitleID)
	defer unlock()

	res, err = q.store.GetReservation(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Status != ReservationFulfilled || res.PickupExpiryDate == nil || !res.PickupExpiryDate.Before(now) {
		return nil, nil
	}

	expired := res
	expired.Status = ReservationExpired
	if err := q.store.CASReservation(ctx, expired); err != nil {
		return nil, err
	}
	q.audit.Record(ctx, TransitionRecord{
		EventID:    uuid.New(),
		EntityType: EntityReservation,
		EntityID:   res.ID,
		From:       string(ReservationFulfilled),
		To:         string(ReservationExpired),
		Actor:      SystemActor,
		OccurredAt: now,
	})

	if res.CopyID == nil {
		return nil, nil
	}
	c, err := q.registry.Get(ctx, *res.CopyID)
	if err != nil {
		return nil, err
	}
	if c.Status != CopyReserved || c.HolderID == nil || *c.HolderID != res.BorrowerID {
		// The copy moved on through another path; nothing to release.
		return nil, nil
	}

	rec, err := q.registry.TryTransition(ctx, c.ID, CopyReserved, CopyAvailable, TransitionMeta{Actor: SystemActor})
	if err != nil {
		return nil, err
	}
	q.audit.Record(ctx, rec)
	return &c.ID, nil
}
