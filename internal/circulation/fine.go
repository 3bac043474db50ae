// internal/circulation/fine.go
package circulation

import (
	"math"
	"time"
)

// FineSchedule holds the penalty parameters for a library.
type FineSchedule struct {
	DailyRate float64
	Cap       float64
}

// Fine derives the monetary penalty for a late return. Zero when the
// copy came back on or before the due date; otherwise the daily rate
// times the number of started late days, capped. Pure function, no
// clock access.
func Fine(dueDate, returnDate time.Time, dailyRate, cap float64) float64 {
	if !returnDate.After(dueDate) {
		return 0
	}

	daysLate := math.Ceil(returnDate.Sub(dueDate).Hours() / 24)
	fine := dailyRate * daysLate
	if fine > cap {
		return cap
	}
	return fine
}

// Preview computes the fine a borrowing would accrue if returned now.
// Read-only companion used for overdue previews.
func (s FineSchedule) Preview(b Borrowing, now time.Time) float64 {
	if !b.Status.Open() {
		return b.Fine
	}
	return Fine(b.DueDate, now, s.DailyRate, s.Cap)
}
