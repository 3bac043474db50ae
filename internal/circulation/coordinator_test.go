package circulation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBorrow(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	assert.Equal(t, BorrowingActive, b.Status)
	assert.Equal(t, c.ID, b.CopyID)
	assert.Equal(t, borrower, b.BorrowerID)
	assert.Equal(t, e.clock.Now(), b.BorrowDate)
	assert.Equal(t, e.clock.Now().Add(14*24*time.Hour), b.DueDate)

	out := e.copy(t, c.ID)
	assert.Equal(t, CopyBorrowed, out.Status)
	require.NotNil(t, out.HolderID)
	assert.Equal(t, borrower, *out.HolderID)
	assert.Equal(t, b.DueDate, *out.DueAt)

	recs := e.audit.forEntity(b.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, string(BorrowingActive), recs[0].To)
}

func TestBorrowExplicitLoanPeriod(t *testing.T) {
	e := newEngine(t)
	c := e.addCopy(t, uuid.New())

	b, err := e.co.Borrow(context.Background(), c.ID, uuid.New(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, e.clock.Now().Add(7*24*time.Hour), b.DueDate)
}

func TestBorrowRejections(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	t.Run("already borrowed", func(t *testing.T) {
		c := e.addCopy(t, uuid.New())
		_, err := e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		require.NoError(t, err)
		_, err = e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		assert.ErrorIs(t, err, ErrCopyNotAvailable)
	})

	t.Run("poor condition", func(t *testing.T) {
		c, err := e.registry.Register(ctx, "BC-poor", uuid.New(), ConditionPoor, "backlog")
		require.NoError(t, err)
		_, err = e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		assert.ErrorIs(t, err, ErrCopyNotAvailable)
	})

	t.Run("retired", func(t *testing.T) {
		c := e.addCopy(t, uuid.New())
		require.NoError(t, e.co.Retire(ctx, c.ID, uuid.New()))
		_, err := e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		assert.ErrorIs(t, err, ErrCopyNotAvailable)
	})

	t.Run("missing copy", func(t *testing.T) {
		_, err := e.co.Borrow(ctx, uuid.New(), uuid.New(), 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentBorrowSingleWinner(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	const contenders = 16
	var wg sync.WaitGroup
	errs := make([]error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrCopyNotAvailable) && !errors.Is(err, ErrStaleState) {
			t.Fatalf("unexpected borrow error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one borrower may win the copy")
	assert.Equal(t, CopyBorrowed, e.copy(t, c.ID).Status)
}

func TestReturnOnTime(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	e.clock.Advance(5 * 24 * time.Hour)
	returned, err := e.co.Return(ctx, b.ID, borrower)
	require.NoError(t, err)

	assert.Equal(t, BorrowingReturned, returned.Status)
	assert.Zero(t, returned.Fine)
	require.NotNil(t, returned.ReturnDate)
	assert.Equal(t, e.clock.Now(), *returned.ReturnDate)

	freed := e.copy(t, c.ID)
	assert.Equal(t, CopyAvailable, freed.Status)
	assert.Nil(t, freed.HolderID)

	t.Run("second return rejected", func(t *testing.T) {
		_, err := e.co.Return(ctx, b.ID, borrower)
		assert.ErrorIs(t, err, ErrNotBorrowed)
	})

	t.Run("copy lends again", func(t *testing.T) {
		_, err := e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		assert.NoError(t, err)
	})
}

func TestReturnLateChargesFine(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	e.clock.Advance(16 * 24 * time.Hour) // two days past due
	returned, err := e.co.Return(ctx, b.ID, borrower)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, returned.Fine, 1e-9)
}

func TestReturnHandsOffToReservation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)
	borrower := uuid.New()
	reserver := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	res, err := e.queue.Enqueue(ctx, titleID, reserver)
	require.NoError(t, err)

	_, err = e.co.Return(ctx, b.ID, borrower)
	require.NoError(t, err)

	held := e.copy(t, c.ID)
	assert.Equal(t, CopyReserved, held.Status)
	require.NotNil(t, held.HolderID)
	assert.Equal(t, reserver, *held.HolderID)

	got := e.reservation(t, res.ID)
	assert.Equal(t, ReservationFulfilled, got.Status)
	require.NotNil(t, got.PickupExpiryDate)
	assert.Equal(t, e.clock.Now().Add(48*time.Hour), *got.PickupExpiryDate)
}

func TestReturnPoorCopyGoesToMaintenance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	// Damage noticed while the copy is out; the grade changes but the
	// loan stands.
	require.NoError(t, e.co.ReportCondition(ctx, c.ID, ConditionPoor, borrower))
	assert.Equal(t, CopyBorrowed, e.copy(t, c.ID).Status)

	_, err = e.co.Return(ctx, b.ID, borrower)
	require.NoError(t, err)
	assert.Equal(t, CopyMaintenance, e.copy(t, c.ID).Status)
}

func TestRenew(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	renewed, err := e.co.Renew(ctx, b.ID, 7*24*time.Hour, borrower)
	require.NoError(t, err)
	assert.Equal(t, b.DueDate.Add(7*24*time.Hour), renewed.DueDate)
	assert.Equal(t, renewed.DueDate, *e.copy(t, c.ID).DueAt)

	t.Run("denied while someone is waiting", func(t *testing.T) {
		_, err := e.queue.Enqueue(ctx, titleID, uuid.New())
		require.NoError(t, err)
		_, err = e.co.Renew(ctx, b.ID, 7*24*time.Hour, borrower)
		assert.ErrorIs(t, err, ErrReservationWaiting)
	})
}

func TestRenewRejectsClosedBorrowing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)
	_, err = e.co.Return(ctx, b.ID, borrower)
	require.NoError(t, err)

	_, err = e.co.Renew(ctx, b.ID, 7*24*time.Hour, borrower)
	assert.ErrorIs(t, err, ErrNotBorrowed)
}

func TestMarkLost(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	t.Run("stranger may not report a borrowed copy", func(t *testing.T) {
		err := e.co.MarkLost(ctx, c.ID, uuid.New())
		assert.ErrorIs(t, err, ErrCopyHeldByOther)
		assert.Equal(t, CopyBorrowed, e.copy(t, c.ID).Status)
	})

	e.clock.Advance(20 * 24 * time.Hour) // six days past due

	require.NoError(t, e.co.MarkLost(ctx, c.ID, borrower))

	gone := e.copy(t, c.ID)
	assert.Equal(t, CopyLost, gone.Status)
	assert.Nil(t, gone.HolderID)

	closed, err := e.store.GetBorrowing(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BorrowingLost, closed.Status)
	assert.InDelta(t, 6.0, closed.Fine, 1e-9)
}

func TestMarkLostAvailableCopy(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	// Shelf audits may report any unheld copy.
	require.NoError(t, e.co.MarkLost(ctx, c.ID, uuid.New()))
	assert.Equal(t, CopyLost, e.copy(t, c.ID).Status)
}

func TestMarkDamagedClosesLoanAsReturned(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)
	require.NoError(t, e.co.MarkDamaged(ctx, c.ID, borrower))

	assert.Equal(t, CopyDamaged, e.copy(t, c.ID).Status)
	closed, err := e.store.GetBorrowing(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BorrowingReturned, closed.Status)
}

func TestPickupReservation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)
	reserver := uuid.New()

	res, err := e.queue.Enqueue(ctx, titleID, reserver)
	require.NoError(t, err)

	t.Run("pending reservation has nothing to pick up", func(t *testing.T) {
		_, err := e.co.PickupReservation(ctx, res.ID, reserver)
		assert.ErrorIs(t, err, ErrNotPending)
	})

	handedOff, err := e.queue.Fulfill(ctx, titleID, c.ID, CopyAvailable, SystemActor)
	require.NoError(t, err)
	require.True(t, handedOff)

	b, err := e.co.PickupReservation(ctx, res.ID, reserver)
	require.NoError(t, err)

	assert.Equal(t, BorrowingActive, b.Status)
	assert.Equal(t, reserver, b.BorrowerID)
	assert.Equal(t, c.ID, b.CopyID)

	out := e.copy(t, c.ID)
	assert.Equal(t, CopyBorrowed, out.Status)
	require.NotNil(t, out.HolderID)
	assert.Equal(t, reserver, *out.HolderID)

	t.Run("consumed claim survives the pickup sweep", func(t *testing.T) {
		assert.Nil(t, e.reservation(t, res.ID).PickupExpiryDate)
		e.clock.Advance(72 * time.Hour)
		require.NoError(t, e.queue.ExpireStale(ctx, e.clock.Now()))
		assert.Equal(t, CopyBorrowed, e.copy(t, c.ID).Status)
	})
}

func TestRetire(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	t.Run("available copy retires", func(t *testing.T) {
		c := e.addCopy(t, uuid.New())
		require.NoError(t, e.co.Retire(ctx, c.ID, uuid.New()))
		assert.True(t, e.copy(t, c.ID).Retired)

		// Repeating is harmless.
		require.NoError(t, e.co.Retire(ctx, c.ID, uuid.New()))
	})

	t.Run("borrowed copy stays on the books", func(t *testing.T) {
		c := e.addCopy(t, uuid.New())
		_, err := e.co.Borrow(ctx, c.ID, uuid.New(), 0)
		require.NoError(t, err)
		assert.ErrorIs(t, e.co.Retire(ctx, c.ID, uuid.New()), ErrCopyHeldByOther)
		assert.False(t, e.copy(t, c.ID).Retired)
	})
}

func TestReportConditionForcesMaintenance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	require.NoError(t, e.co.ReportCondition(ctx, c.ID, ConditionPoor, uuid.New()))

	got := e.copy(t, c.ID)
	assert.Equal(t, CopyMaintenance, got.Status)
	assert.Equal(t, ConditionPoor, got.Condition)
}

func TestReportConditionRegrade(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	require.NoError(t, e.co.ReportCondition(ctx, c.ID, ConditionFair, uuid.New()))

	got := e.copy(t, c.ID)
	assert.Equal(t, CopyAvailable, got.Status)
	assert.Equal(t, ConditionFair, got.Condition)
}

func TestCompleteMaintenance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	require.NoError(t, e.co.ReportCondition(ctx, c.ID, ConditionPoor, uuid.New()))

	t.Run("still poor stays in maintenance", func(t *testing.T) {
		require.NoError(t, e.co.CompleteMaintenance(ctx, c.ID, ConditionPoor, uuid.New()))
		assert.Equal(t, CopyMaintenance, e.copy(t, c.ID).Status)
	})

	t.Run("repaired copy returns to the shelf", func(t *testing.T) {
		require.NoError(t, e.co.CompleteMaintenance(ctx, c.ID, ConditionGood, uuid.New()))
		got := e.copy(t, c.ID)
		assert.Equal(t, CopyAvailable, got.Status)
		assert.Equal(t, ConditionGood, got.Condition)
	})
}

func TestOverduePreview(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	fine, err := e.co.OverduePreview(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, fine)

	e.clock.Advance(17 * 24 * time.Hour) // three days past due
	fine, err = e.co.OverduePreview(ctx, b.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, fine, 1e-9)
}

func TestBorrowerHistory(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	borrower := uuid.New()

	first := e.addCopy(t, uuid.New())
	b1, err := e.co.Borrow(ctx, first.ID, borrower, 0)
	require.NoError(t, err)
	_, err = e.co.Return(ctx, b1.ID, borrower)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	second := e.addCopy(t, uuid.New())
	b2, err := e.co.Borrow(ctx, second.ID, borrower, 0)
	require.NoError(t, err)

	history, err := e.co.BorrowerHistory(ctx, borrower)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, b1.ID, history[0].ID)
	assert.Equal(t, b2.ID, history[1].ID)
}

// faultStore wraps a Store to inject storage failures.
type faultStore struct {
	Store
	mu       sync.Mutex
	copyRead error
	staleCAS int
}

func (s *faultStore) failCopyReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copyRead = err
}

func (s *faultStore) loseNextCASCopy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCAS++
}

func (s *faultStore) GetCopy(ctx context.Context, id uuid.UUID) (Copy, error) {
	s.mu.Lock()
	err := s.copyRead
	s.mu.Unlock()
	if err != nil {
		return Copy{}, err
	}
	return s.Store.GetCopy(ctx, id)
}

func (s *faultStore) CASCopy(ctx context.Context, c Copy) error {
	s.mu.Lock()
	if s.staleCAS > 0 {
		s.staleCAS--
		s.mu.Unlock()
		return ErrStaleState
	}
	s.mu.Unlock()
	return s.Store.CASCopy(ctx, c)
}

func newFaultEngine(t *testing.T) (*engine, *faultStore) {
	t.Helper()

	mem := NewMemoryStore()
	fs := &faultStore{Store: mem}
	clock := newFakeClock()
	audit := &recordSink{}
	notes := &noteSink{}

	registry := NewCopyRegistry(fs, clock)
	queue := NewReservationQueue(fs, registry, clock, audit, notes, QueueConfig{
		PickupWindow:   48 * time.Hour,
		ReservationTTL: 30 * 24 * time.Hour,
	})
	co := NewCoordinator(fs, registry, queue, clock, audit, CoordinatorConfig{
		DefaultLoanPeriod: 14 * 24 * time.Hour,
		Fines:             FineSchedule{DailyRate: 1.0, Cap: 10.0},
	})

	return &engine{
		store:    mem,
		clock:    clock,
		audit:    audit,
		notes:    notes,
		registry: registry,
		queue:    queue,
		co:       co,
	}, fs
}

func TestReturnReopensBorrowingWhenReleaseFails(t *testing.T) {
	e, fs := newFaultEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	boom := errors.New("storage down")
	fs.failCopyReads(boom)
	_, err = e.co.Return(ctx, b.ID, borrower)
	require.ErrorIs(t, err, boom)
	fs.failCopyReads(nil)

	// The failed return left no partial state behind: loan still open,
	// copy still out, no RETURNED audit record.
	open, err := e.store.GetBorrowing(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BorrowingActive, open.Status)
	assert.Nil(t, open.ReturnDate)
	assert.Equal(t, CopyBorrowed, e.copy(t, c.ID).Status)
	assert.Len(t, e.audit.forEntity(b.ID), 1)

	t.Run("retried return completes the pair", func(t *testing.T) {
		returned, err := e.co.Return(ctx, b.ID, borrower)
		require.NoError(t, err)
		assert.Equal(t, BorrowingReturned, returned.Status)
		assert.Equal(t, CopyAvailable, e.copy(t, c.ID).Status)
		assert.Len(t, e.audit.forEntity(b.ID), 2)
	})
}

func TestRenewRecoversCopyDueDateRace(t *testing.T) {
	e, fs := newFaultEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()

	b, err := e.co.Borrow(ctx, c.ID, borrower, 0)
	require.NoError(t, err)

	fs.loseNextCASCopy()
	renewed, err := e.co.Renew(ctx, b.ID, 7*24*time.Hour, borrower)
	require.NoError(t, err)

	got := e.copy(t, c.ID)
	require.NotNil(t, got.DueAt)
	assert.Equal(t, renewed.DueDate, *got.DueAt)
}

func TestMarkGoneRepeatedReport(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	reporter := uuid.New()

	t.Run("lost twice", func(t *testing.T) {
		c := e.addCopy(t, uuid.New())
		require.NoError(t, e.co.MarkLost(ctx, c.ID, reporter))
		require.NoError(t, e.co.MarkLost(ctx, c.ID, reporter))
		assert.Equal(t, CopyLost, e.copy(t, c.ID).Status)
	})

	t.Run("damaged twice", func(t *testing.T) {
		c := e.addCopy(t, uuid.New())
		require.NoError(t, e.co.MarkDamaged(ctx, c.ID, reporter))
		require.NoError(t, e.co.MarkDamaged(ctx, c.ID, reporter))
		assert.Equal(t, CopyDamaged, e.copy(t, c.ID).Status)
	})
}
