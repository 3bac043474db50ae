package audit

import (
	"context"
	"errors"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"librarium/internal/circulation"
	"librarium/pkg/translog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stored is a transition record with its outbox sequence number.
type Stored struct {
	Seq    int64
	Record circulation.TransitionRecord
}

// Outbox persists transition records until the deliverer has pushed
// them downstream. Sequence numbers are strictly increasing in append
// order.
type Outbox interface {
	Append(ctx context.Context, rec circulation.TransitionRecord) error
	After(ctx context.Context, seq int64, limit int) ([]Stored, error)
	Cursor(ctx context.Context, consumer string) (int64, error)
	Mark(ctx context.Context, consumer string, seq int64) error
}

// MemoryOutbox keeps records in process memory. Used by the in-memory
// deployment and by tests.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []Stored
	cursors map[string]int64
	seen    map[string]struct{}
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		cursors: make(map[string]int64),
		seen:    make(map[string]struct{}),
	}
}

func (o *MemoryOutbox) Append(_ context.Context, rec circulation.TransitionRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := rec.EventID.String()
	if _, dup := o.seen[key]; dup {
		return nil
	}
	o.seen[key] = struct{}{}
	o.entries = append(o.entries, Stored{Seq: int64(len(o.entries)) + 1, Record: rec})
	return nil
}

func (o *MemoryOutbox) After(_ context.Context, seq int64, limit int) ([]Stored, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []Stored
	for _, e := range o.entries {
		if e.Seq <= seq {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *MemoryOutbox) Cursor(_ context.Context, consumer string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursors[consumer], nil
}

func (o *MemoryOutbox) Mark(_ context.Context, consumer string, seq int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if seq > o.cursors[consumer] {
		o.cursors[consumer] = seq
	}
	return nil
}

// LogOutbox stores records in the durable transition log so that
// pending deliveries survive a process restart.
type LogOutbox struct {
	log *translog.Log
}

func NewLogOutbox(log *translog.Log) *LogOutbox {
	return &LogOutbox{log: log}
}

func (o *LogOutbox) Append(ctx context.Context, rec circulation.TransitionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = o.log.Append(ctx, rec.EventID, rec.EntityType, rec.EntityID, payload)
	if errors.Is(err, translog.ErrDuplicateEvent) {
		return nil
	}
	return err
}

func (o *LogOutbox) After(ctx context.Context, seq int64, limit int) ([]Stored, error) {
	entries, err := o.log.Stream(ctx, seq, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Stored, 0, len(entries))
	for _, e := range entries {
		var rec circulation.TransitionRecord
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, Stored{Seq: e.Seq, Record: rec})
	}
	return out, nil
}

func (o *LogOutbox) Cursor(ctx context.Context, consumer string) (int64, error) {
	return o.log.LoadCursor(ctx, consumer)
}

func (o *LogOutbox) Mark(ctx context.Context, consumer string, seq int64) error {
	return o.log.SaveCursor(ctx, consumer, seq)
}
