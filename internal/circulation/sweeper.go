// internal/circulation/sweeper.go
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// OverdueSweeper periodically reconciles due dates against the clock and
// flips stale ACTIVE borrowings to OVERDUE. It is an unprivileged
// writer: every flip goes through the same compare-and-swap as a user
// request, so repeated sweeps and racing returns stay safe. Overdue
// items remain borrowed until returned or adjudicated lost.
type OverdueSweeper struct {
	store    Store
	clock    Clock
	audit    AuditSink
	notifier Notifier
	log      *logrus.Logger
	interval time.Duration
	batch    int
}

func NewOverdueSweeper(store Store, clock Clock, audit AuditSink, notifier Notifier, log *logrus.Logger, interval time.Duration) *OverdueSweeper {
	return &OverdueSweeper{
		store:    store,
		clock:    clock,
		audit:    audit,
		notifier: notifier,
		log:      log,
		interval: interval,
		batch:    500,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (s *OverdueSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.log.WithError(err).Warn("overdue sweep failed")
			} else if n > 0 {
				s.log.WithField("transitioned", n).Info("overdue sweep")
			}
		}
	}
}

// SweepOnce transitions every ACTIVE borrowing past its due date to
// OVERDUE and reports how many it flipped. Idempotent: an already
// overdue borrowing is never listed again.
func (s *OverdueSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.ListActiveDueBefore(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, b := range due {
		overdue := b
		overdue.Status = BorrowingOverdue
		if err := s.store.CASBorrowing(ctx, overdue); err != nil {
			if errors.Is(err, ErrStaleState) || errors.Is(err, ErrNotFound) {
				// Lost the race to a return or another sweep; fine.
				continue
			}
			return flipped, err
		}
		flipped++

		s.audit.Record(ctx, TransitionRecord{
			EventID:    uuid.New(),
			EntityType: EntityBorrowing,
			EntityID:   b.ID,
			From:       string(BorrowingActive),
			To:         string(BorrowingOverdue),
			Actor:      SystemActor,
			OccurredAt: now,
		})
		if s.notifier != nil {
			s.notifier.BorrowingOverdue(ctx, overdue)
		}
	}
	return flipped, nil
}
