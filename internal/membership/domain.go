package membership

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type MemberStatus string

const (
	MemberActive    MemberStatus = "ACTIVE"
	MemberSuspended MemberStatus = "SUSPENDED"
	MemberExpired   MemberStatus = "EXPIRED"
)

type Tier string

const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

var (
	ErrMemberNotFound     = errors.New("member not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many attempts, slow down")
	ErrMemberNotEligible  = errors.New("member is not eligible to borrow")
)

// Member is a registered library borrower.
type Member struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Email       string       `json:"email" db:"email"`
	Name        string       `json:"name" db:"name"`
	Tier        Tier         `json:"tier" db:"tier"`
	Status      MemberStatus `json:"status" db:"status"`
	FineBalance float64      `json:"fine_balance" db:"fine_balance"`
	ExpiresAt   time.Time    `json:"expires_at" db:"expires_at"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
	Version     int          `json:"version" db:"version"`
}

// Eligible reports whether the member may borrow copies right now.
func (m Member) Eligible(now time.Time) bool {
	return m.Status == MemberActive && now.Before(m.ExpiresAt)
}

// Credential is a member's stored login secret. Never serialized.
type Credential struct {
	MemberID     uuid.UUID `db:"member_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}
