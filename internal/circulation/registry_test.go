package circulation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStartsAvailable(t *testing.T) {
	e := newEngine(t)

	c, err := e.registry.Register(context.Background(), "BC-0001", uuid.New(), ConditionNew, "shelf A3")
	require.NoError(t, err)

	assert.Equal(t, CopyAvailable, c.Status)
	assert.Equal(t, 1, c.Version)
	assert.Nil(t, c.HolderID)

	got := e.copy(t, c.ID)
	assert.Equal(t, c, got)
}

func TestTryTransitionCommitsHolderAndDates(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	borrower := uuid.New()
	now := e.clock.Now()
	due := now.Add(14 * 24 * time.Hour)

	rec, err := e.registry.TryTransition(ctx, c.ID, CopyAvailable, CopyBorrowed, TransitionMeta{
		Actor:      borrower,
		Holder:     &borrower,
		BorrowedAt: &now,
		DueAt:      &due,
	})
	require.NoError(t, err)

	assert.Equal(t, EntityCopy, rec.EntityType)
	assert.Equal(t, string(CopyAvailable), rec.From)
	assert.Equal(t, string(CopyBorrowed), rec.To)
	assert.Equal(t, borrower, rec.Actor)
	assert.NotEqual(t, uuid.Nil, rec.EventID)

	got := e.copy(t, c.ID)
	assert.Equal(t, CopyBorrowed, got.Status)
	require.NotNil(t, got.HolderID)
	assert.Equal(t, borrower, *got.HolderID)
	assert.Equal(t, due, *got.DueAt)
	assert.Equal(t, 2, got.Version)
}

func TestTryTransitionClearsHolderOnRelease(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	borrower := uuid.New()
	_, err := e.registry.TryTransition(ctx, c.ID, CopyAvailable, CopyBorrowed, TransitionMeta{
		Actor:  borrower,
		Holder: &borrower,
	})
	require.NoError(t, err)

	_, err = e.registry.TryTransition(ctx, c.ID, CopyBorrowed, CopyAvailable, TransitionMeta{
		Actor:     borrower,
		ViaReturn: true,
	})
	require.NoError(t, err)

	got := e.copy(t, c.ID)
	assert.Nil(t, got.HolderID)
	assert.Nil(t, got.BorrowedAt)
	assert.Nil(t, got.DueAt)
}

func TestTryTransitionStaleExpectedStatus(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	_, err := e.registry.TryTransition(ctx, c.ID, CopyBorrowed, CopyAvailable, TransitionMeta{ViaReturn: true})
	assert.ErrorIs(t, err, ErrStaleState)

	// Nothing was written.
	got := e.copy(t, c.ID)
	assert.Equal(t, CopyAvailable, got.Status)
	assert.Equal(t, 1, got.Version)
}

func TestTryTransitionInvalidEdge(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	_, err := e.registry.TryTransition(ctx, c.ID, CopyAvailable, CopyAvailable, TransitionMeta{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTryTransitionMissingCopy(t *testing.T) {
	e := newEngine(t)

	_, err := e.registry.TryTransition(context.Background(), uuid.New(), CopyAvailable, CopyBorrowed, TransitionMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPoorCopyDivertedToMaintenance(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	_, err := e.registry.TryTransition(ctx, c.ID, CopyAvailable, CopyMaintenance, TransitionMeta{})
	require.NoError(t, err)

	// Repair finished but the grade is still POOR: the copy must not go
	// back on the shelf.
	poor := ConditionPoor
	rec, err := e.registry.TryTransition(ctx, c.ID, CopyMaintenance, CopyAvailable, TransitionMeta{
		NewCondition: &poor,
	})
	require.NoError(t, err)
	assert.Equal(t, string(CopyMaintenance), rec.To)

	got := e.copy(t, c.ID)
	assert.Equal(t, CopyMaintenance, got.Status)
	assert.Equal(t, ConditionPoor, got.Condition)

	// After a real repair it is released normally.
	good := ConditionGood
	rec, err = e.registry.TryTransition(ctx, c.ID, CopyMaintenance, CopyAvailable, TransitionMeta{
		NewCondition: &good,
	})
	require.NoError(t, err)
	assert.Equal(t, string(CopyAvailable), rec.To)
	assert.Equal(t, CopyAvailable, e.copy(t, c.ID).Status)
}

func TestExtendDue(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c := e.addCopy(t, uuid.New())

	t.Run("rejected while not borrowed", func(t *testing.T) {
		cur := e.copy(t, c.ID)
		err := e.registry.ExtendDue(ctx, cur)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	borrower := uuid.New()
	now := e.clock.Now()
	due := now.Add(7 * 24 * time.Hour)
	_, err := e.registry.TryTransition(ctx, c.ID, CopyAvailable, CopyBorrowed, TransitionMeta{
		Actor: borrower, Holder: &borrower, BorrowedAt: &now, DueAt: &due,
	})
	require.NoError(t, err)

	t.Run("moves the due date", func(t *testing.T) {
		cur := e.copy(t, c.ID)
		later := due.Add(7 * 24 * time.Hour)
		cur.DueAt = &later
		require.NoError(t, e.registry.ExtendDue(ctx, cur))
		assert.Equal(t, later, *e.copy(t, c.ID).DueAt)
	})

	t.Run("stale version loses", func(t *testing.T) {
		cur := e.copy(t, c.ID)
		cur.Version--
		assert.ErrorIs(t, e.registry.ExtendDue(ctx, cur), ErrStaleState)
	})
}
