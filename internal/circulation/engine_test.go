package circulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordSink collects transition records for assertions.
type recordSink struct {
	mu   sync.Mutex
	recs []TransitionRecord
}

func (s *recordSink) Record(_ context.Context, rec TransitionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
}

func (s *recordSink) records() []TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

// forEntity filters the collected records down to one entity.
func (s *recordSink) forEntity(id uuid.UUID) []TransitionRecord {
	var out []TransitionRecord
	for _, rec := range s.records() {
		if rec.EntityID == id {
			out = append(out, rec)
		}
	}
	return out
}

// noteSink collects notifications.
type noteSink struct {
	mu        sync.Mutex
	fulfilled []Reservation
	overdue   []Borrowing
}

func (s *noteSink) ReservationFulfilled(_ context.Context, res Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fulfilled = append(s.fulfilled, res)
}

func (s *noteSink) BorrowingOverdue(_ context.Context, b Borrowing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overdue = append(s.overdue, b)
}

func (s *noteSink) fulfilledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fulfilled)
}

// engine bundles a fully wired in-memory circulation stack.
type engine struct {
	store    *MemoryStore
	clock    *fakeClock
	audit    *recordSink
	notes    *noteSink
	registry *CopyRegistry
	queue    *ReservationQueue
	co       *Coordinator
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	store := NewMemoryStore()
	clock := newFakeClock()
	audit := &recordSink{}
	notes := &noteSink{}

	registry := NewCopyRegistry(store, clock)
	queue := NewReservationQueue(store, registry, clock, audit, notes, QueueConfig{
		PickupWindow:   48 * time.Hour,
		ReservationTTL: 30 * 24 * time.Hour,
	})
	co := NewCoordinator(store, registry, queue, clock, audit, CoordinatorConfig{
		DefaultLoanPeriod: 14 * 24 * time.Hour,
		Fines:             FineSchedule{DailyRate: 1.0, Cap: 10.0},
	})

	return &engine{
		store:    store,
		clock:    clock,
		audit:    audit,
		notes:    notes,
		registry: registry,
		queue:    queue,
		co:       co,
	}
}

func (e *engine) addCopy(t *testing.T, titleID uuid.UUID) Copy {
	t.Helper()
	c, err := e.registry.Register(context.Background(), "BC-"+uuid.NewString()[:8], titleID, ConditionGood, "main floor")
	require.NoError(t, err)
	return c
}

func (e *engine) copy(t *testing.T, id uuid.UUID) Copy {
	t.Helper()
	c, err := e.store.GetCopy(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (e *engine) reservation(t *testing.T, id uuid.UUID) Reservation {
	t.Helper()
	r, err := e.store.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r
}
