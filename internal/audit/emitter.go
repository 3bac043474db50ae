// Package audit implements the at-least-once audit pipeline: business
// code hands committed transition records to the Emitter, the Emitter
// stores them in an outbox, and the Deliverer drains the outbox to a
// downstream channel in sequence order. Delivery failures never reach
// the business operation and never reorder records for an entity.
package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"librarium/internal/circulation"
)

// Emitter accepts transition records from the circulation engine. It
// satisfies circulation.AuditSink: a failed outbox write is logged and
// dropped from the caller's point of view, the mutation it describes
// has already committed.
type Emitter struct {
	outbox Outbox
	log    *logrus.Logger
	wake   chan struct{}
}

func NewEmitter(outbox Outbox, log *logrus.Logger) *Emitter {
	return &Emitter{
		outbox: outbox,
		log:    log,
		wake:   make(chan struct{}, 1),
	}
}

func (e *Emitter) Record(ctx context.Context, rec circulation.TransitionRecord) {
	if err := e.outbox.Append(ctx, rec); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
			"from":        rec.From,
			"to":          rec.To,
		}).Error("failed to append transition record to outbox")
		return
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wake is closed-loop plumbing for the deliverer: it fires after each
// successful append so drains start promptly instead of waiting for the
// next tick.
func (e *Emitter) Wake() <-chan struct{} {
	return e.wake
}
