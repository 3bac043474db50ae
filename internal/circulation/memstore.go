// internal/circulation/memstore.go
package circulation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and single-node
// deployments. Each entity carries its own mutex so compare-and-swap on
// one copy never blocks operations on another; the outer maps are
// guarded only for lookup and insert.
type MemoryStore struct {
	mu           sync.RWMutex
	copies       map[uuid.UUID]*copyEntry
	borrowings   map[uuid.UUID]*borrowingEntry
	reservations map[uuid.UUID]*reservationEntry
}

type copyEntry struct {
	mu sync.Mutex
	c  Copy
}

type borrowingEntry struct {
	mu sync.Mutex
	b  Borrowing
}

type reservationEntry struct {
	mu sync.Mutex
	r  Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		copies:       make(map[uuid.UUID]*copyEntry),
		borrowings:   make(map[uuid.UUID]*borrowingEntry),
		reservations: make(map[uuid.UUID]*reservationEntry),
	}
}

func (s *MemoryStore) CreateCopy(_ context.Context, c Copy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.copies[c.ID]; exists {
		return ErrStaleState
	}
	c.Version = 1
	s.copies[c.ID] = &copyEntry{c: c}
	return nil
}

func (s *MemoryStore) GetCopy(_ context.Context, id uuid.UUID) (Copy, error) {
	s.mu.RLock()
	e, ok := s.copies[id]
	s.mu.RUnlock()
	if !ok {
		return Copy{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c, nil
}

func (s *MemoryStore) CASCopy(_ context.Context, c Copy) error {
	s.mu.RLock()
	e, ok := s.copies[c.ID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c.Version != c.Version {
		return ErrStaleState
	}
	c.Version++
	e.c = c
	return nil
}

func (s *MemoryStore) CreateBorrowing(_ context.Context, b Borrowing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.borrowings[b.ID]; exists {
		return ErrStaleState
	}
	b.Version = 1
	s.borrowings[b.ID] = &borrowingEntry{b: b}
	return nil
}

func (s *MemoryStore) GetBorrowing(_ context.Context, id uuid.UUID) (Borrowing, error) {
	s.mu.RLock()
	e, ok := s.borrowings[id]
	s.mu.RUnlock()
	if !ok {
		return Borrowing{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b, nil
}

func (s *MemoryStore) OpenBorrowingByCopy(_ context.Context, copyID uuid.UUID) (Borrowing, error) {
	for _, e := range s.borrowingSnapshot() {
		if e.CopyID == copyID && e.Status.Open() {
			return e, nil
		}
	}
	return Borrowing{}, ErrNotFound
}

func (s *MemoryStore) ListActiveDueBefore(_ context.Context, cutoff time.Time, limit int) ([]Borrowing, error) {
	var out []Borrowing
	for _, b := range s.borrowingSnapshot() {
		if b.Status == BorrowingActive && b.DueDate.Before(cutoff) {
			out = append(out, b)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ListBorrowingsByBorrower(_ context.Context, borrowerID uuid.UUID) ([]Borrowing, error) {
	var out []Borrowing
	for _, b := range s.borrowingSnapshot() {
		if b.BorrowerID == borrowerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BorrowDate.Before(out[j].BorrowDate) })
	return out, nil
}

func (s *MemoryStore) CASBorrowing(_ context.Context, b Borrowing) error {
	s.mu.RLock()
	e, ok := s.borrowings[b.ID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b.Version != b.Version {
		return ErrStaleState
	}
	b.Version++
	e.b = b
	return nil
}

func (s *MemoryStore) CreateReservation(_ context.Context, r Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[r.ID]; exists {
		return ErrStaleState
	}
	r.Version = 1
	s.reservations[r.ID] = &reservationEntry{r: r}
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id uuid.UUID) (Reservation, error) {
	s.mu.RLock()
	e, ok := s.reservations[id]
	s.mu.RUnlock()
	if !ok {
		return Reservation{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r, nil
}

func (s *MemoryStore) OldestPendingByTitle(_ context.Context, titleID uuid.UUID) (Reservation, error) {
	var oldest *Reservation
	for _, r := range s.reservationSnapshot() {
		if r.TitleID != titleID || r.Status != ReservationPending {
			continue
		}
		if oldest == nil || r.Before(*oldest) {
			candidate := r
			oldest = &candidate
		}
	}
	if oldest == nil {
		return Reservation{}, ErrNotFound
	}
	return *oldest, nil
}

func (s *MemoryStore) CountPendingByTitle(_ context.Context, titleID uuid.UUID) (int, error) {
	n := 0
	for _, r := range s.reservationSnapshot() {
		if r.TitleID == titleID && r.Status == ReservationPending {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListPendingExpiredBefore(_ context.Context, cutoff time.Time) ([]Reservation, error) {
	var out []Reservation
	for _, r := range s.reservationSnapshot() {
		if r.Status == ReservationPending && r.ExpiryDate.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFulfilledPickupExpiredBefore(_ context.Context, cutoff time.Time) ([]Reservation, error) {
	var out []Reservation
	for _, r := range s.reservationSnapshot() {
		if r.Status == ReservationFulfilled && r.PickupExpiryDate != nil && r.PickupExpiryDate.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) CASReservation(_ context.Context, r Reservation) error {
	s.mu.RLock()
	e, ok := s.reservations[r.ID]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Version != r.Version {
		return ErrStaleState
	}
	r.Version++
	e.r = r
	return nil
}

func (s *MemoryStore) borrowingSnapshot() []Borrowing {
	s.mu.RLock()
	entries := make([]*borrowingEntry, 0, len(s.borrowings))
	for _, e := range s.borrowings {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Borrowing, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.b)
		e.mu.Unlock()
	}
	return out
}

func (s *MemoryStore) reservationSnapshot() []Reservation {
	s.mu.RLock()
	entries := make([]*reservationEntry, 0, len(s.reservations))
	for _, e := range s.reservations {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Reservation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.r)
		e.mu.Unlock()
	}
	return out
}
