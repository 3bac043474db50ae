// internal/circulation/errors.go
package circulation

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleState signals a lost compare-and-swap race. The caller may
	// re-read current state and retry; nothing was written.
	ErrStaleState = errors.New("stale state: concurrent modification detected")

	// ErrInvalidTransition is wrapped by InvalidTransitionError and lets
	// callers match the whole class with errors.Is.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrCopyNotAvailable rejects a borrow against a copy that is not
	// AVAILABLE or whose condition is not lendable.
	ErrCopyNotAvailable = errors.New("copy not available for borrowing")

	// ErrNotBorrowed rejects a return or renewal when no open borrowing
	// exists.
	ErrNotBorrowed = errors.New("borrowing is not active")

	// ErrNotPending rejects a cancel of a reservation that already left
	// the PENDING state.
	ErrNotPending = errors.New("reservation is not pending")

	// ErrReservationWaiting denies a renewal while another borrower is
	// queued for the title.
	ErrReservationWaiting = errors.New("renewal denied: reservation pending for title")

	// ErrCopyHeldByOther rejects a lost/damaged report against a copy
	// borrowed by someone other than the reporter.
	ErrCopyHeldByOther = errors.New("copy is borrowed by another member")

	// ErrNotFound is returned by stores when an entity does not exist.
	ErrNotFound = errors.New("not found")
)

// InvalidTransitionError carries the attempted edge so handlers can build
// a useful rejection message.
type InvalidTransitionError struct {
	From CopyStatus
	To   CopyStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
