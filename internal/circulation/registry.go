// internal/circulation/registry.go
package circulation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
)

// CopyRegistry is the authoritative state holder for physical copies and
// the single synchronization point of the engine. Every status change
// goes through TryTransition; timers and user requests are equal callers
// with no privileged write path.
type CopyRegistry struct {
	store  Store
	clock  Clock
	tracer trace.Tracer
}

func NewCopyRegistry(store Store, clock Clock) *CopyRegistry {
	return &CopyRegistry{
		store:  store,
		clock:  clock,
		tracer: otel.Tracer("librarium/circulation/registry"),
	}
}

// Register adds a new copy in AVAILABLE state.
func (r *CopyRegistry) Register(ctx context.Context, barcode string, titleID uuid.UUID, condition Condition, location string) (Copy, error) {
	c := Copy{
		ID:        uuid.New(),
		Barcode:   barcode,
		TitleID:   titleID,
		Status:    CopyAvailable,
		Condition: condition,
		Location:  location,
	}
	if err := r.store.CreateCopy(ctx, c); err != nil {
		return Copy{}, fmt.Errorf("register copy: %w", err)
	}
	c.Version = 1
	return c, nil
}

// Get returns the current state of a copy.
func (r *CopyRegistry) Get(ctx context.Context, id uuid.UUID) (Copy, error) {
	return r.store.GetCopy(ctx, id)
}

// TryTransition performs a guarded compare-and-swap of a copy's status.
// The caller supplies the status it believes is current; a mismatch
// fails with ErrStaleState and writes nothing. On success the new
// status, holder and date fields are committed atomically and the
// returned TransitionRecord describes the committed change, ready for
// the audit sink.
//
// A copy whose condition is POOR is diverted to MAINTENANCE instead of
// AVAILABLE; the record reflects the state actually written.
func (r *CopyRegistry) TryTransition(ctx context.Context, copyID uuid.UUID, expected, next CopyStatus, meta TransitionMeta) (TransitionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "registry.try_transition",
		trace.WithAttributes(
			attribute.String("copy.id", copyID.String()),
			attribute.String("status.expected", string(expected)),
			attribute.String("status.next", string(next)),
		),
	)
	defer span.End()

	c, err := r.store.GetCopy(ctx, copyID)
	if err != nil {
		return TransitionRecord{}, err
	}

	if c.Status != expected {
		span.SetAttributes(
			attribute.String("status.actual", string(c.Status)),
			attribute.Bool("conflict.detected", true),
		)
		return TransitionRecord{}, ErrStaleState
	}

	if meta.NewCondition != nil {
		c.Condition = *meta.NewCondition
	}
	next = effectiveTarget(c, next)
	if err := checkTransitionMeta(c, expected, next, meta); err != nil {
		return TransitionRecord{}, err
	}

	c.Status = next
	c.HolderID = meta.Holder
	c.BorrowedAt = meta.BorrowedAt
	c.DueAt = meta.DueAt
	if next != CopyBorrowed && next != CopyReserved {
		// Holder is defined exactly while a copy is out or held.
		c.HolderID = nil
		c.BorrowedAt = nil
		c.DueAt = nil
	}

	if err := r.store.CASCopy(ctx, c); err != nil {
		if err == ErrStaleState {
			span.SetAttributes(attribute.Bool("conflict.detected", true))
		}
		return TransitionRecord{}, err
	}

	rec := TransitionRecord{
		EventID:    uuid.New(),
		EntityType: EntityCopy,
		EntityID:   copyID,
		From:       string(expected),
		To:         string(next),
		Actor:      meta.Actor,
		OccurredAt: r.clock.Now(),
	}
	span.SetAttributes(attribute.String("status.committed", string(next)))
	return rec, nil
}

// ExtendDue moves the due date of a borrowed copy without a status
// change. Same compare-and-swap rules as TryTransition.
func (r *CopyRegistry) ExtendDue(ctx context.Context, c Copy) error {
	if c.Status != CopyBorrowed {
		return &InvalidTransitionError{From: c.Status, To: CopyBorrowed}
	}
	return r.store.CASCopy(ctx, c)
}
