package circulation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueFilesPendingReservation(t *testing.T) {
	e := newEngine(t)
	titleID := uuid.New()
	borrower := uuid.New()

	res, err := e.queue.Enqueue(context.Background(), titleID, borrower)
	require.NoError(t, err)

	assert.Equal(t, ReservationPending, res.Status)
	assert.Equal(t, e.clock.Now(), res.ReservationDate)
	assert.Equal(t, e.clock.Now().Add(30*24*time.Hour), res.ExpiryDate)
	assert.Nil(t, res.CopyID)

	n, err := e.queue.PendingCount(context.Background(), titleID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFulfillHandsCopyToOldestClaim(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)

	first, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	second, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)

	handedOff, err := e.queue.Fulfill(ctx, titleID, c.ID, CopyAvailable, SystemActor)
	require.NoError(t, err)
	require.True(t, handedOff)

	got := e.reservation(t, first.ID)
	assert.Equal(t, ReservationFulfilled, got.Status)
	require.NotNil(t, got.CopyID)
	assert.Equal(t, c.ID, *got.CopyID)
	require.NotNil(t, got.PickupExpiryDate)
	assert.Equal(t, e.clock.Now().Add(48*time.Hour), *got.PickupExpiryDate)

	assert.Equal(t, ReservationPending, e.reservation(t, second.ID).Status)

	held := e.copy(t, c.ID)
	assert.Equal(t, CopyReserved, held.Status)
	require.NotNil(t, held.HolderID)
	assert.Equal(t, first.BorrowerID, *held.HolderID)

	require.Equal(t, 1, e.notes.fulfilledCount())
	assert.Equal(t, first.ID, e.notes.fulfilled[0].ID)
}

func TestFulfillBreaksTiesByID(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)

	// Same reservation date on purpose, no clock advance between them.
	a, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)
	b, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)

	winner, loser := a, b
	if b.ID.String() < a.ID.String() {
		winner, loser = b, a
	}

	handedOff, err := e.queue.Fulfill(ctx, titleID, c.ID, CopyAvailable, SystemActor)
	require.NoError(t, err)
	require.True(t, handedOff)

	assert.Equal(t, ReservationFulfilled, e.reservation(t, winner.ID).Status)
	assert.Equal(t, ReservationPending, e.reservation(t, loser.ID).Status)
}

func TestFulfillNobodyWaiting(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)

	handedOff, err := e.queue.Fulfill(ctx, titleID, c.ID, CopyAvailable, SystemActor)
	require.NoError(t, err)
	assert.False(t, handedOff)

	// The copy is left for the caller to release.
	assert.Equal(t, CopyAvailable, e.copy(t, c.ID).Status)
}

func TestCancelReservation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	borrower := uuid.New()

	res, err := e.queue.Enqueue(ctx, titleID, borrower)
	require.NoError(t, err)

	require.NoError(t, e.queue.Cancel(ctx, res.ID, borrower))
	assert.Equal(t, ReservationCancelled, e.reservation(t, res.ID).Status)

	t.Run("cancel is not repeatable", func(t *testing.T) {
		assert.ErrorIs(t, e.queue.Cancel(ctx, res.ID, borrower), ErrNotPending)
	})

	t.Run("missing reservation", func(t *testing.T) {
		assert.ErrorIs(t, e.queue.Cancel(ctx, uuid.New(), borrower), ErrNotFound)
	})
}

func TestExpireStalePending(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()

	res, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)

	// Not yet stale.
	require.NoError(t, e.queue.ExpireStale(ctx, e.clock.Now()))
	assert.Equal(t, ReservationPending, e.reservation(t, res.ID).Status)

	e.clock.Advance(30*24*time.Hour + time.Minute)
	require.NoError(t, e.queue.ExpireStale(ctx, e.clock.Now()))
	assert.Equal(t, ReservationExpired, e.reservation(t, res.ID).Status)

	t.Run("second sweep is a no-op", func(t *testing.T) {
		before := len(e.audit.records())
		require.NoError(t, e.queue.ExpireStale(ctx, e.clock.Now()))
		assert.Len(t, e.audit.records(), before)
	})
}

func TestExpireStalePickupCascades(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)

	first, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)
	e.clock.Advance(time.Minute)
	second, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)

	handedOff, err := e.queue.Fulfill(ctx, titleID, c.ID, CopyAvailable, SystemActor)
	require.NoError(t, err)
	require.True(t, handedOff)

	// The first claimant never shows up; the pickup window lapses and the
	// copy must move on to the next borrower in line.
	e.clock.Advance(48*time.Hour + time.Minute)
	require.NoError(t, e.queue.ExpireStale(ctx, e.clock.Now()))

	assert.Equal(t, ReservationExpired, e.reservation(t, first.ID).Status)

	got := e.reservation(t, second.ID)
	assert.Equal(t, ReservationFulfilled, got.Status)
	require.NotNil(t, got.CopyID)
	assert.Equal(t, c.ID, *got.CopyID)

	held := e.copy(t, c.ID)
	assert.Equal(t, CopyReserved, held.Status)
	require.NotNil(t, held.HolderID)
	assert.Equal(t, second.BorrowerID, *held.HolderID)

	assert.Equal(t, 2, e.notes.fulfilledCount())
}

func TestExpireStalePickupFreesCopyWhenQueueEmpty(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	titleID := uuid.New()
	c := e.addCopy(t, titleID)

	res, err := e.queue.Enqueue(ctx, titleID, uuid.New())
	require.NoError(t, err)

	handedOff, err := e.queue.Fulfill(ctx, titleID, c.ID, CopyAvailable, SystemActor)
	require.NoError(t, err)
	require.True(t, handedOff)

	e.clock.Advance(48*time.Hour + time.Minute)
	require.NoError(t, e.queue.ExpireStale(ctx, e.clock.Now()))

	assert.Equal(t, ReservationExpired, e.reservation(t, res.ID).Status)
	freed := e.copy(t, c.ID)
	assert.Equal(t, CopyAvailable, freed.Status)
	assert.Nil(t, freed.HolderID)
}
