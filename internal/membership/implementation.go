package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"librarium/pkg/translog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// memberChange is the audit payload recorded for membership writes.
type memberChange struct {
	EventID    uuid.UUID `json:"event_id"`
	MemberID   uuid.UUID `json:"member_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

type service struct {
	db  *sqlx.DB
	log *translog.Log

	// Blunt instrument against credential stuffing; fronting proxies do
	// per-client limiting, this is the service-wide floor.
	authLimiter *rate.Limiter
}

// NewService creates a membership service over the given database.
func NewService(db *sqlx.DB, log *translog.Log) Service {
	return &service{
		db:          db,
		log:         log,
		authLimiter: rate.NewLimiter(rate.Every(time.Second), 20),
	}
}

// EnsureSchema creates the membership tables when they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS members (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			fine_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			version INT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credentials (
			member_id UUID PRIMARY KEY REFERENCES members (id),
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure membership schema: %w", err)
	}
	return nil
}

func (s *service) record(ctx context.Context, memberID uuid.UUID, from, to string) {
	change := memberChange{
		EventID:    uuid.New(),
		MemberID:   memberID,
		From:       from,
		To:         to,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	s.log.Append(ctx, change.EventID, "member", memberID, payload)
}

func (s *service) RegisterMember(ctx context.Context, email, name, password string) (*Member, error) {
	passwordHash, salt, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	m := &Member{
		ID:        uuid.New(),
		Email:     email,
		Name:      name,
		Tier:      TierBasic,
		Status:    MemberActive,
		ExpiresAt: time.Now().AddDate(1, 0, 0),
		Version:   1,
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (id, email, name, tier, status, expires_at, version)
		VALUES (:id, :email, :name, :tier, :status, :expires_at, :version)
	`, m)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("insert member: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES ($1, $2, $3)
	`, m.ID, passwordHash, salt)
	if err != nil {
		return nil, fmt.Errorf("insert credentials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit registration: %w", err)
	}

	s.record(ctx, m.ID, "", string(MemberActive))
	return m, nil
}

func (s *service) Authenticate(ctx context.Context, email, password string) (*Member, error) {
	if !s.authLimiter.Allow() {
		return nil, ErrRateLimited
	}

	var m Member
	err := s.db.GetContext(ctx, &m, `
		SELECT id, email, name, tier, status, fine_balance, expires_at, created_at, updated_at, version
		FROM members
		WHERE email = $1
	`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup member: %w", err)
	}

	var cred Credential
	if err := s.db.GetContext(ctx, &cred, `
		SELECT member_id, password_hash, salt
		FROM credentials
		WHERE member_id = $1
	`, m.ID); err != nil {
		return nil, fmt.Errorf("lookup credentials: %w", err)
	}

	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	return &m, nil
}

func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	var m Member
	err := s.db.GetContext(ctx, &m, `
		SELECT id, email, name, tier, status, fine_balance, expires_at, created_at, updated_at, version
		FROM members
		WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	return &m, nil
}

func (s *service) UpdateTier(ctx context.Context, id uuid.UUID, tier Tier) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET tier = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2
	`, tier, id)
	if err != nil {
		return fmt.Errorf("update tier: %w", err)
	}
	return s.checkAffected(res)
}

func (s *service) Suspend(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, MemberActive, MemberSuspended)
}

func (s *service) Reinstate(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, MemberSuspended, MemberActive)
}

func (s *service) setStatus(ctx context.Context, id uuid.UUID, from, to MemberStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("set member status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or not in the expected state.
		if _, err := s.GetMember(ctx, id); err != nil {
			return err
		}
		return nil
	}

	s.record(ctx, id, string(from), string(to))
	return nil
}

func (s *service) checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}
