// Package auth turns bearer session tokens into an Actor.
//
// Authentication model:
//   - Every /v1 endpoint requires a session token (HS256 JWT)
//   - The token subject is the user id; the "role" claim is USER, MODERATOR or ADMIN
//   - Tokens are minted by the account system; cmd/token mints them for local use
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("session token required")
	ErrInvalidToken = errors.New("invalid or expired session token")
	ErrInvalidRole  = errors.New("invalid role")
)

// Role is the coarse capability of an actor.
type Role string

const (
	RoleUser      Role = "USER"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// ParseRole normalizes a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleUser, RoleModerator, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor holds platform-wide moderation rights.
func (a *Actor) IsAdmin() bool { return a != nil && a.Role == RoleAdmin }

// IsModerator reports whether the actor may claim and work disputes.
func (a *Actor) IsModerator() bool {
	return a != nil && (a.Role == RoleModerator || a.Role == RoleAdmin)
}

// Claims is the JWT body carried by session tokens.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer for the given HMAC secret.
func NewIssuer(secret, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue mints a session token for actor valid for ttl.
func (i *Issuer) Issue(actor Actor, ttl time.Duration) (string, error) {
	if actor.ID == "" {
		return "", errors.New("auth: actor id is required")
	}
	if _, err := ParseRole(string(actor.Role)); err != nil {
		return "", err
	}
	now := i.now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify validates a raw token (with or without the "Bearer " prefix) and
// returns the actor it names.
func (i *Issuer) Verify(raw string) (*Actor, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Actor{ID: claims.Subject, Role: role}, nil
}
