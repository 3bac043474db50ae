package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarium/internal/circulation"
)

type fakeChannel struct {
	mu        sync.Mutex
	down      bool
	published []circulation.TransitionRecord
}

func (c *fakeChannel) Publish(_ context.Context, rec circulation.TransitionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errors.New("collector unreachable")
	}
	c.published = append(c.published, rec)
	return nil
}

func (c *fakeChannel) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

func (c *fakeChannel) records() []circulation.TransitionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]circulation.TransitionRecord, len(c.published))
	copy(out, c.published)
	return out
}

func record(entityID uuid.UUID, from, to string) circulation.TransitionRecord {
	return circulation.TransitionRecord{
		EventID:    uuid.New(),
		EntityType: circulation.EntityCopy,
		EntityID:   entityID,
		From:       from,
		To:         to,
		Actor:      uuid.New(),
		OccurredAt: time.Now(),
	}
}

func newTestDeliverer(outbox Outbox, ch Channel, wake <-chan struct{}) *Deliverer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewDeliverer(outbox, ch, log, wake, DelivererConfig{
		Consumer:     "test",
		PublishTries: 1,
	})
}

func TestRecordNeverFailsCaller(t *testing.T) {
	outbox := NewMemoryOutbox()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	emitter := NewEmitter(outbox, log)

	// Nothing to assert beyond "does not panic, does not block": Record
	// has no error return by contract.
	for i := 0; i < 10; i++ {
		emitter.Record(context.Background(), record(uuid.New(), "AVAILABLE", "BORROWED"))
	}

	stored, err := outbox.After(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 10)
}

func TestRecordDeduplicatesByEventID(t *testing.T) {
	outbox := NewMemoryOutbox()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	emitter := NewEmitter(outbox, log)

	rec := record(uuid.New(), "AVAILABLE", "BORROWED")
	emitter.Record(context.Background(), rec)
	emitter.Record(context.Background(), rec)

	stored, err := outbox.After(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestDrainDeliversInOrder(t *testing.T) {
	outbox := NewMemoryOutbox()
	ch := &fakeChannel{}
	d := newTestDeliverer(outbox, ch, nil)

	entityID := uuid.New()
	states := []string{"AVAILABLE", "BORROWED", "AVAILABLE", "RESERVED"}
	for i := 1; i < len(states); i++ {
		require.NoError(t, outbox.Append(context.Background(), record(entityID, states[i-1], states[i])))
	}

	require.NoError(t, d.DrainOnce(context.Background()))

	got := ch.records()
	require.Len(t, got, 3)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].To, got[i].From, "entity history must chain")
	}
}

func TestDrainStopsOnFailureAndResumes(t *testing.T) {
	outbox := NewMemoryOutbox()
	ch := &fakeChannel{}
	d := newTestDeliverer(outbox, ch, nil)
	ctx := context.Background()

	entityID := uuid.New()
	require.NoError(t, outbox.Append(ctx, record(entityID, "AVAILABLE", "BORROWED")))
	require.NoError(t, d.DrainOnce(ctx))
	require.Len(t, ch.records(), 1)

	// Collector goes down. Records accumulate, nothing is skipped.
	ch.setDown(true)
	require.NoError(t, outbox.Append(ctx, record(entityID, "BORROWED", "AVAILABLE")))
	require.NoError(t, outbox.Append(ctx, record(entityID, "AVAILABLE", "RESERVED")))
	assert.Error(t, d.DrainOnce(ctx))
	assert.Len(t, ch.records(), 1)

	// Collector recovers, backlog is delivered in order.
	ch.setDown(false)
	require.NoError(t, d.DrainOnce(ctx))

	got := ch.records()
	require.Len(t, got, 3)
	assert.Equal(t, "BORROWED", got[1].To)
	assert.Equal(t, "RESERVED", got[2].To)
}

func TestDrainIsIdempotentAcrossRestarts(t *testing.T) {
	outbox := NewMemoryOutbox()
	ch := &fakeChannel{}
	ctx := context.Background()

	require.NoError(t, outbox.Append(ctx, record(uuid.New(), "AVAILABLE", "BORROWED")))

	first := newTestDeliverer(outbox, ch, nil)
	require.NoError(t, first.DrainOnce(ctx))

	// A fresh deliverer with the same consumer name must not redeliver.
	second := newTestDeliverer(outbox, ch, nil)
	require.NoError(t, second.DrainOnce(ctx))

	assert.Len(t, ch.records(), 1)
}

func TestRunWakesOnEmit(t *testing.T) {
	outbox := NewMemoryOutbox()
	ch := &fakeChannel{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	emitter := NewEmitter(outbox, log)
	d := NewDeliverer(outbox, ch, log, emitter.Wake(), DelivererConfig{
		Consumer: "test",
		Interval: time.Hour, // force delivery through the wake signal
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	emitter.Record(ctx, record(uuid.New(), "AVAILABLE", "BORROWED"))

	require.Eventually(t, func() bool {
		return len(ch.records()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
