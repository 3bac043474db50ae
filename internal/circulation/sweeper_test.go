package circulation

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(e *engine) *OverdueSweeper {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewOverdueSweeper(e.store, e.clock, e.audit, e.notes, log, time.Minute)
}

func TestSweepFlipsOverdueBorrowings(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sweeper := newTestSweeper(e)

	late := e.addCopy(t, uuid.New())
	onTime := e.addCopy(t, uuid.New())

	lateLoan, err := e.co.Borrow(ctx, late.ID, uuid.New(), 7*24*time.Hour)
	require.NoError(t, err)
	onTimeLoan, err := e.co.Borrow(ctx, onTime.ID, uuid.New(), 21*24*time.Hour)
	require.NoError(t, err)

	e.clock.Advance(8 * 24 * time.Hour)

	flipped, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	got, err := e.store.GetBorrowing(ctx, lateLoan.ID)
	require.NoError(t, err)
	assert.Equal(t, BorrowingOverdue, got.Status)

	untouched, err := e.store.GetBorrowing(ctx, onTimeLoan.ID)
	require.NoError(t, err)
	assert.Equal(t, BorrowingActive, untouched.Status)

	// Overdue does not release the copy.
	assert.Equal(t, CopyBorrowed, e.copy(t, late.ID).Status)

	e.notes.mu.Lock()
	require.Len(t, e.notes.overdue, 1)
	assert.Equal(t, lateLoan.ID, e.notes.overdue[0].ID)
	e.notes.mu.Unlock()

	recs := e.audit.forEntity(lateLoan.ID)
	require.NotEmpty(t, recs)
	last := recs[len(recs)-1]
	assert.Equal(t, string(BorrowingOverdue), last.To)
	assert.Equal(t, SystemActor, last.Actor)
}

func TestSweepIsIdempotent(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sweeper := newTestSweeper(e)

	c := e.addCopy(t, uuid.New())
	_, err := e.co.Borrow(ctx, c.ID, uuid.New(), 24*time.Hour)
	require.NoError(t, err)

	e.clock.Advance(48 * time.Hour)

	flipped, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	flipped, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, flipped)
}

func TestOverdueBorrowingStillReturns(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sweeper := newTestSweeper(e)

	c := e.addCopy(t, uuid.New())
	borrower := uuid.New()
	b, err := e.co.Borrow(ctx, c.ID, borrower, 24*time.Hour)
	require.NoError(t, err)

	e.clock.Advance(4 * 24 * time.Hour)
	_, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)

	returned, err := e.co.Return(ctx, b.ID, borrower)
	require.NoError(t, err)
	assert.Equal(t, BorrowingReturned, returned.Status)
	assert.InDelta(t, 3.0, returned.Fine, 1e-9)
	assert.Equal(t, CopyAvailable, e.copy(t, c.ID).Status)
}

func TestSweepNothingDue(t *testing.T) {
	e := newEngine(t)
	sweeper := newTestSweeper(e)

	flipped, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, flipped)
}
