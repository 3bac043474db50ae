// internal/circulation/guards.go
package circulation

import (
	"time"

	"github.com/google/uuid"
)

// TransitionMeta carries the fields written together with a status
// change, plus the context flags some guards need.
type TransitionMeta struct {
	Actor      uuid.UUID
	Holder     *uuid.UUID
	BorrowedAt *time.Time
	DueAt      *time.Time

	// ViaReturn marks the BORROWED -> AVAILABLE edge as coming from the
	// return path; any other caller is rejected.
	ViaReturn bool

	// ReporterIsHolder allows a lost/damaged report against a copy the
	// reporter currently holds.
	ReporterIsHolder bool

	// NewCondition re-grades the copy together with the status change,
	// before the forced-maintenance rule is evaluated.
	NewCondition *Condition
}

type guard func(c Copy, meta TransitionMeta) error

func always(Copy, TransitionMeta) error { return nil }

// transitionGuards is the single authority on copy status legality.
// Every edge missing from this table is an invalid transition; guards on
// listed edges may still reject based on condition or meta.
var transitionGuards = map[CopyStatus]map[CopyStatus]guard{
	CopyAvailable: {
		CopyBorrowed: func(c Copy, _ TransitionMeta) error {
			if !c.Condition.Lendable() {
				return ErrCopyNotAvailable
			}
			return nil
		},
		CopyReserved:    always,
		CopyMaintenance: always,
		CopyLost:        always,
		CopyDamaged:     always,
	},
	CopyBorrowed: {
		// Copy handed straight to the reservation queue on return.
		CopyReserved: always,
		CopyAvailable: func(_ Copy, meta TransitionMeta) error {
			if !meta.ViaReturn {
				return &InvalidTransitionError{From: CopyBorrowed, To: CopyAvailable}
			}
			return nil
		},
		// Release target when the copy came back graded POOR.
		CopyMaintenance: func(_ Copy, meta TransitionMeta) error {
			if !meta.ViaReturn {
				return &InvalidTransitionError{From: CopyBorrowed, To: CopyMaintenance}
			}
			return nil
		},
		CopyLost:    requireReporterIsHolder(CopyLost),
		CopyDamaged: requireReporterIsHolder(CopyDamaged),
	},
	CopyReserved: {
		CopyBorrowed: func(c Copy, meta TransitionMeta) error {
			// Pickup: only the member the copy is held for may borrow it.
			if c.HolderID == nil || meta.Holder == nil || *c.HolderID != *meta.Holder {
				return ErrCopyNotAvailable
			}
			return nil
		},
		CopyAvailable:   always,
		CopyMaintenance: always,
		CopyLost:        always,
		CopyDamaged:     always,
	},
	CopyMaintenance: {
		CopyAvailable:   always,
		CopyMaintenance: always, // repair finished but grade still POOR
		CopyLost:        always,
		CopyDamaged:     always,
	},
	CopyDamaged: {
		CopyMaintenance: always,
		CopyLost:        always,
		CopyDamaged:     always, // repeated report, no-op
	},
	CopyLost: {
		CopyAvailable:   always,
		CopyMaintenance: always,
		CopyLost:        always, // repeated report, no-op
	},
}

func requireReporterIsHolder(to CopyStatus) guard {
	return func(_ Copy, meta TransitionMeta) error {
		if !meta.ReporterIsHolder {
			return ErrCopyHeldByOther
		}
		return nil
	}
}

// checkTransition validates one edge against the guard table.
func checkTransition(c Copy, from, to CopyStatus) error {
	return checkTransitionMeta(c, from, to, TransitionMeta{ViaReturn: true, ReporterIsHolder: true})
}

func checkTransitionMeta(c Copy, from, to CopyStatus, meta TransitionMeta) error {
	edges, ok := transitionGuards[from]
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	g, ok := edges[to]
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	return g(c, meta)
}

// effectiveTarget applies the forced-maintenance rule: a copy whose
// condition has degraded to POOR never goes back on the shelf, it goes
// to maintenance instead.
func effectiveTarget(c Copy, to CopyStatus) CopyStatus {
	if to == CopyAvailable && c.Condition == ConditionPoor {
		return CopyMaintenance
	}
	return to
}
