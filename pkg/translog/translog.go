// Package translog is an append-only log of committed transition
// records backed by PostgreSQL. It is the durable half of the audit
// outbox: writers append exactly one entry per committed mutation, the
// delivery loop streams entries by a persisted cursor. Entries for one
// entity appear in commit order because the log sequence is assigned by
// the database.
package translog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrDuplicateEvent signals that an entry with the same event id was
// already appended; retried appends treat it as success.
var ErrDuplicateEvent = errors.New("transition log: duplicate event id")

// Entry is one durable log row.
type Entry struct {
	Seq        int64           `json:"seq" db:"seq"`
	EventID    uuid.UUID       `json:"event_id" db:"event_id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id" db:"entity_id"`
	Payload    json.RawMessage `json:"payload" db:"payload"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Log provides appends, cursor-based streaming, and consumer cursors.
type Log struct {
	db     *sql.DB
	tracer trace.Tracer
}

func New(db *sql.DB) *Log {
	return &Log{
		db:     db,
		tracer: otel.Tracer("librarium/translog"),
	}
}

// EnsureSchema creates the log tables when they do not exist.
func (l *Log) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transition_log (
			seq BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL UNIQUE,
			entity_type TEXT NOT NULL,
			entity_id UUID NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS transition_log_cursors (
			consumer TEXT PRIMARY KEY,
			seq BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transition_log_entity
			ON transition_log (entity_type, entity_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("ensure transition log schema: %w", err)
	}
	return nil
}

// Append writes one record to the log. An event id seen before returns
// ErrDuplicateEvent and writes nothing, so a retried producer never
// duplicates a row.
func (l *Log) Append(ctx context.Context, eventID uuid.UUID, entityType string, entityID uuid.UUID, payload []byte) (int64, error) {
	ctx, span := l.tracer.Start(ctx, "translog.append",
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("entity.id", entityID.String()),
		),
	)
	defer span.End()

	var seq int64
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO transition_log (event_id, entity_type, entity_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING seq
	`, eventID, entityType, entityID, payload).Scan(&seq)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, ErrDuplicateEvent
		}
		return 0, fmt.Errorf("append transition: %w", err)
	}

	span.SetAttributes(attribute.Int64("entry.seq", seq))
	return seq, nil
}

// Stream returns up to batchSize entries with seq greater than fromSeq,
// in sequence order.
func (l *Log) Stream(ctx context.Context, fromSeq int64, batchSize int) ([]Entry, error) {
	ctx, span := l.tracer.Start(ctx, "translog.stream",
		trace.WithAttributes(
			attribute.Int64("from.seq", fromSeq),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, event_id, entity_type, entity_id, payload, created_at
		FROM transition_log
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, fromSeq, batchSize)
	if err != nil {
		return nil, fmt.Errorf("stream transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.EventID, &e.EntityType, &e.EntityID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	span.SetAttributes(attribute.Int("entries.streamed", len(entries)))
	return entries, nil
}

// LoadCursor returns the last sequence a consumer acknowledged, zero
// when the consumer is new.
func (l *Log) LoadCursor(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, `
		SELECT seq FROM transition_log_cursors WHERE consumer = $1
	`, consumer).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return seq, nil
}

// SaveCursor advances a consumer's cursor; it never moves backwards.
func (l *Log) SaveCursor(ctx context.Context, consumer string, seq int64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO transition_log_cursors (consumer, seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (consumer) DO UPDATE
		SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at
		WHERE transition_log_cursors.seq < EXCLUDED.seq
	`, consumer, seq)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
