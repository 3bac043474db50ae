package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"

	"librarium/pkg/translog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// titleChange is the audit payload recorded for every catalog write.
type titleChange struct {
	EventID    uuid.UUID `json:"event_id"`
	TitleID    uuid.UUID `json:"title_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

type service struct {
	db  *sqlx.DB
	log *translog.Log
}

// NewService creates a catalog service over the given database. Writes
// are versioned and every committed change lands in the transition log.
func NewService(db *sqlx.DB, log *translog.Log) Service {
	return &service{db: db, log: log}
}

// EnsureSchema creates the catalog tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS titles (
			id UUID PRIMARY KEY,
			isbn TEXT NOT NULL,
			name TEXT NOT NULL,
			author TEXT NOT NULL,
			publisher TEXT NOT NULL DEFAULT '',
			published_year INT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_titles_search
			ON titles USING GIN (to_tsvector('english', name || ' ' || author));
	`)
	if err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}
	return nil
}

func (s *service) record(ctx context.Context, titleID uuid.UUID, from, to string) {
	change := titleChange{
		EventID:    uuid.New(),
		TitleID:    titleID,
		From:       from,
		To:         to,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	// The catalog write has already committed; a failed audit append is
	// not surfaced to the caller.
	s.log.Append(ctx, change.EventID, "title", titleID, payload)
}

func (s *service) AddTitle(ctx context.Context, in NewTitle) (*Title, error) {
	t := &Title{
		ID:            uuid.New(),
		ISBN:          in.ISBN,
		Name:          in.Name,
		Author:        in.Author,
		Publisher:     in.Publisher,
		PublishedYear: in.PublishedYear,
		Status:        TitleActive,
		Version:       1,
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO titles (id, isbn, name, author, publisher, published_year, status, version)
		VALUES (:id, :isbn, :name, :author, :publisher, :published_year, :status, :version)
	`, t)
	if err != nil {
		return nil, fmt.Errorf("insert title: %w", err)
	}

	s.record(ctx, t.ID, "", string(TitleActive))
	return t, nil
}

func (s *service) GetTitle(ctx context.Context, id uuid.UUID) (*Title, error) {
	var t Title
	err := s.db.GetContext(ctx, &t, `
		SELECT id, isbn, name, author, publisher, published_year, status, version, created_at, updated_at
		FROM titles
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTitleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get title: %w", err)
	}
	return &t, nil
}

// UpdateTitle rewrites the bibliographic fields of a title. The caller
// passes the version it read; a concurrent change returns ErrStaleTitle.
func (s *service) UpdateTitle(ctx context.Context, t Title) (*Title, error) {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE titles
		SET isbn = :isbn, name = :name, author = :author,
		    publisher = :publisher, published_year = :published_year,
		    version = version + 1, updated_at = NOW()
		WHERE id = :id AND version = :version AND status = 'ACTIVE'
	`, t)
	if err != nil {
		return nil, fmt.Errorf("update title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update title: %w", err)
	}
	if n == 0 {
		current, err := s.GetTitle(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == TitleRetired {
			return nil, ErrTitleRetired
		}
		return nil, ErrStaleTitle
	}

	t.Version++
	return &t, nil
}

func (s *service) RetireTitle(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE titles
		SET status = 'RETIRED', version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'ACTIVE'
	`, id)
	if err != nil {
		return fmt.Errorf("retire title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("retire title: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTitle(ctx, id); err != nil {
			return err
		}
		return nil // already retired
	}

	s.record(ctx, id, string(TitleActive), string(TitleRetired))
	return nil
}

// Search runs a full-text query over name and author.
func (s *service) Search(ctx context.Context, query string) ([]*Title, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, isbn, name, author, publisher, published_year, status, version, created_at, updated_at
		FROM titles
		WHERE to_tsvector('english', name || ' ' || author) @@ plainto_tsquery('english', $1)
		LIMIT 25
	`, query)
	if err != nil {
		return nil, fmt.Errorf("search titles: %w", err)
	}
	defer rows.Close()

	var titles []*Title
	for rows.Next() {
		var t Title
		if err := rows.StructScan(&t); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		titles = append(titles, &t)
	}
	return titles, rows.Err()
}
