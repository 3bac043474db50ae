// internal/auth/middleware.go
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// Principal is the authenticated caller as asserted by the identity
// service. The circulation engine trusts it and never re-validates.
type Principal struct {
	MemberID uuid.UUID
	Role     string
}

// Roles understood by the services.
const (
	RoleMember    = "member"
	RoleLibrarian = "librarian"
)

type ctxKey struct{}

// FromContext extracts the principal set by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// WithPrincipal is used by tests to inject an identity directly.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// Middleware validates the HS256 bearer token and stores the principal
// in the request context. Requests without a valid token are rejected.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := parseBearer(r.Header.Get("Authorization"), secret)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func parseBearer(header, secret string) (Principal, error) {
	tokenStr := strings.TrimSpace(header)
	if strings.HasPrefix(strings.ToLower(tokenStr), "bearer ") {
		tokenStr = strings.TrimSpace(tokenStr[7:])
	}
	if tokenStr == "" {
		return Principal{}, errors.New("missing token")
	}

	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Principal{}, err
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return Principal{}, errors.New("invalid claims")
	}

	sub, _ := claims["sub"].(string)
	memberID, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid subject: %w", err)
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = RoleMember
	}
	return Principal{MemberID: memberID, Role: role}, nil
}

// Issue mints a token for a member; used by the membership service on
// login and by the integration suite.
func Issue(secret string, memberID uuid.UUID, role string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":  memberID.String(),
		"role": role,
		"exp":  time.Now().Add(ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(secret))
}
