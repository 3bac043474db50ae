// internal/circulation/pgstore.go
package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PGStore is the PostgreSQL Store. Compare-and-swap is a single
// version-checked UPDATE: zero rows affected means somebody else won the
// race (or the row is gone), never a partial write.
type PGStore struct {
	db *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the circulation tables when they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS copies (
			id UUID PRIMARY KEY,
			barcode TEXT NOT NULL,
			title_id UUID NOT NULL,
			status TEXT NOT NULL,
			condition TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			holder_id UUID,
			borrowed_at TIMESTAMPTZ,
			due_at TIMESTAMPTZ,
			retired BOOLEAN NOT NULL DEFAULT FALSE,
			version INT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS borrowings (
			id UUID PRIMARY KEY,
			copy_id UUID NOT NULL,
			borrower_id UUID NOT NULL,
			status TEXT NOT NULL,
			borrow_date TIMESTAMPTZ NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			return_date TIMESTAMPTZ,
			fine NUMERIC NOT NULL DEFAULT 0,
			version INT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id UUID PRIMARY KEY,
			title_id UUID NOT NULL,
			borrower_id UUID NOT NULL,
			status TEXT NOT NULL,
			reservation_date TIMESTAMPTZ NOT NULL,
			expiry_date TIMESTAMPTZ NOT NULL,
			pickup_expiry_date TIMESTAMPTZ,
			copy_id UUID,
			version INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_borrowings_copy_open
			ON borrowings (copy_id) WHERE status IN ('ACTIVE', 'OVERDUE');
		CREATE INDEX IF NOT EXISTS idx_reservations_title_pending
			ON reservations (title_id, reservation_date, id) WHERE status = 'PENDING';
	`)
	if err != nil {
		return fmt.Errorf("ensure circulation schema: %w", err)
	}
	return nil
}

func (s *PGStore) CreateCopy(ctx context.Context, c Copy) error {
	c.Version = 1
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO copies (id, barcode, title_id, status, condition, location, holder_id, borrowed_at, due_at, retired, version)
		VALUES (:id, :barcode, :title_id, :status, :condition, :location, :holder_id, :borrowed_at, :due_at, :retired, :version)
	`, c)
	if err != nil {
		return fmt.Errorf("insert copy: %w", err)
	}
	return nil
}

func (s *PGStore) GetCopy(ctx context.Context, id uuid.UUID) (Copy, error) {
	var c Copy
	err := s.db.GetContext(ctx, &c, `SELECT * FROM copies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Copy{}, ErrNotFound
	}
	if err != nil {
		return Copy{}, fmt.Errorf("get copy: %w", err)
	}
	return c, nil
}

func (s *PGStore) CASCopy(ctx context.Context, c Copy) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE copies
		SET barcode = :barcode, title_id = :title_id, status = :status,
		    condition = :condition, location = :location, holder_id = :holder_id,
		    borrowed_at = :borrowed_at, due_at = :due_at, retired = :retired,
		    version = version + 1
		WHERE id = :id AND version = :version
	`, c)
	if err != nil {
		return fmt.Errorf("cas copy: %w", err)
	}
	return s.casOutcome(ctx, res, `SELECT EXISTS (SELECT 1 FROM copies WHERE id = $1)`, c.ID)
}

func (s *PGStore) CreateBorrowing(ctx context.Context, b Borrowing) error {
	b.Version = 1
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO borrowings (id, copy_id, borrower_id, status, borrow_date, due_date, return_date, fine, version)
		VALUES (:id, :copy_id, :borrower_id, :status, :borrow_date, :due_date, :return_date, :fine, :version)
	`, b)
	if err != nil {
		return fmt.Errorf("insert borrowing: %w", err)
	}
	return nil
}

func (s *PGStore) GetBorrowing(ctx context.Context, id uuid.UUID) (Borrowing, error) {
	var b Borrowing
	err := s.db.GetContext(ctx, &b, `SELECT * FROM borrowings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Borrowing{}, ErrNotFound
	}
	if err != nil {
		return Borrowing{}, fmt.Errorf("get borrowing: %w", err)
	}
	return b, nil
}

func (s *PGStore) OpenBorrowingByCopy(ctx context.Context, copyID uuid.UUID) (Borrowing, error) {
	var b Borrowing
	err := s.db.GetContext(ctx, &b, `
		SELECT * FROM borrowings
		WHERE copy_id = $1 AND status IN ('ACTIVE', 'OVERDUE')
	`, copyID)
	if errors.Is(err, sql.ErrNoRows) {
		return Borrowing{}, ErrNotFound
	}
	if err != nil {
		return Borrowing{}, fmt.Errorf("open borrowing by copy: %w", err)
	}
	return b, nil
}

func (s *PGStore) ListActiveDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]Borrowing, error) {
	if limit <= 0 {
		limit = 500
	}
	var out []Borrowing
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM borrowings
		WHERE status = 'ACTIVE' AND due_date < $1
		ORDER BY due_date ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list active due before: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListBorrowingsByBorrower(ctx context.Context, borrowerID uuid.UUID) ([]Borrowing, error) {
	var out []Borrowing
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM borrowings
		WHERE borrower_id = $1
		ORDER BY borrow_date ASC
	`, borrowerID)
	if err != nil {
		return nil, fmt.Errorf("list borrowings by borrower: %w", err)
	}
	return out, nil
}

func (s *PGStore) CASBorrowing(ctx context.Context, b Borrowing) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE borrowings
		SET status = :status, borrow_date = :borrow_date, due_date = :due_date,
		    return_date = :return_date, fine = :fine,
		    version = version + 1
		WHERE id = :id AND version = :version
	`, b)
	if err != nil {
		return fmt.Errorf("cas borrowing: %w", err)
	}
	return s.casOutcome(ctx, res, `SELECT EXISTS (SELECT 1 FROM borrowings WHERE id = $1)`, b.ID)
}

func (s *PGStore) CreateReservation(ctx context.Context, r Reservation) error {
	r.Version = 1
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO reservations (id, title_id, borrower_id, status, reservation_date, expiry_date, pickup_expiry_date, copy_id, version)
		VALUES (:id, :title_id, :borrower_id, :status, :reservation_date, :expiry_date, :pickup_expiry_date, :copy_id, :version)
	`, r)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (s *PGStore) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	var r Reservation
	err := s.db.GetContext(ctx, &r, `SELECT * FROM reservations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

func (s *PGStore) OldestPendingByTitle(ctx context.Context, titleID uuid.UUID) (Reservation, error) {
	var r Reservation
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM reservations
		WHERE title_id = $1 AND status = 'PENDING'
		ORDER BY reservation_date ASC, id ASC
		LIMIT 1
	`, titleID)
	if errors.Is(err, sql.ErrNoRows) {
		return Reservation{}, ErrNotFound
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("oldest pending by title: %w", err)
	}
	return r, nil
}

func (s *PGStore) CountPendingByTitle(ctx context.Context, titleID uuid.UUID) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM reservations
		WHERE title_id = $1 AND status = 'PENDING'
	`, titleID)
	if err != nil {
		return 0, fmt.Errorf("count pending by title: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListPendingExpiredBefore(ctx context.Context, cutoff time.Time) ([]Reservation, error) {
	var out []Reservation
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM reservations
		WHERE status = 'PENDING' AND expiry_date < $1
		ORDER BY reservation_date ASC, id ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending expired: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListFulfilledPickupExpiredBefore(ctx context.Context, cutoff time.Time) ([]Reservation, error) {
	var out []Reservation
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM reservations
		WHERE status = 'FULFILLED' AND pickup_expiry_date IS NOT NULL AND pickup_expiry_date < $1
		ORDER BY pickup_expiry_date ASC, id ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list fulfilled pickup expired: %w", err)
	}
	return out, nil
}

func (s *PGStore) CASReservation(ctx context.Context, r Reservation) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE reservations
		SET status = :status, expiry_date = :expiry_date,
		    pickup_expiry_date = :pickup_expiry_date, copy_id = :copy_id,
		    version = version + 1
		WHERE id = :id AND version = :version
	`, r)
	if err != nil {
		return fmt.Errorf("cas reservation: %w", err)
	}
	return s.casOutcome(ctx, res, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, r.ID)
}

// casOutcome distinguishes a lost race from a missing row when a
// version-checked update touched nothing.
func (s *PGStore) casOutcome(ctx context.Context, res sql.Result, existsQuery string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, existsQuery, id); err != nil {
		return fmt.Errorf("cas existence check: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}
