// Package notify carries borrower-facing milestone notifications.
// Delivery is best effort and must never block circulation.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"librarium/internal/circulation"
)

// LogNotifier records milestones in the structured log. It stands in
// for an email or SMS gateway.
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) ReservationFulfilled(_ context.Context, res circulation.Reservation) {
	entry := n.log.WithFields(logrus.Fields{
		"reservation_id": res.ID,
		"title_id":       res.TitleID,
		"borrower_id":    res.BorrowerID,
	})
	if res.PickupExpiryDate != nil {
		entry = entry.WithField("pickup_by", res.PickupExpiryDate)
	}
	entry.Info("reservation ready for pickup")
}

func (n *LogNotifier) BorrowingOverdue(_ context.Context, b circulation.Borrowing) {
	n.log.WithFields(logrus.Fields{
		"borrowing_id": b.ID,
		"copy_id":      b.CopyID,
		"borrower_id":  b.BorrowerID,
		"due_date":     b.DueDate,
	}).Info("borrowing is overdue")
}

// NopNotifier discards notifications. Used where milestones are not
// interesting, such as the chaos harness.
type NopNotifier struct{}

func (NopNotifier) ReservationFulfilled(context.Context, circulation.Reservation) {}
func (NopNotifier) BorrowingOverdue(context.Context, circulation.Borrowing)       {}
