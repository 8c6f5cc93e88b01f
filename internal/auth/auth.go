// Package auth issues and verifies the HS256 bearer tokens that identify
// registered buyers and operators.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirinyoku/tix-bus/internal/domain"
)

const (
	RoleAdmin = "admin"
	// RoleGuest marks a token handed to a guest when its first hold is taken.
	// It is the only role a guest subject may carry.
	RoleGuest = "guest"
)

const defaultGuestTTL = 2 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Name    string   `json:"name,omitempty"`
	Contact string   `json:"contact,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Buyer() domain.Buyer {
	return domain.Buyer{ID: c.Subject, Name: c.Name, Contact: c.Contact}
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

type Tokens struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	guestTTL time.Duration
	now      func() time.Time
}

type Option func(*Tokens)

// WithGuestTTL sets the lifetime of guest tokens.
func WithGuestTTL(d time.Duration) Option {
	return func(t *Tokens) {
		if d > 0 {
			t.guestTTL = d
		}
	}
}

func NewTokens(secret, issuer string, ttl time.Duration, opts ...Option) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	t := &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, guestTTL: defaultGuestTTL, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Issue signs a token for a registered buyer. Operators pass RoleAdmin.
func (t *Tokens) Issue(b domain.Buyer, roles ...string) (string, error) {
	return t.sign(b, t.ttl, roles)
}

// IssueGuest signs a short-lived token for a guest session.
func (t *Tokens) IssueGuest(b domain.Buyer) (string, error) {
	if !b.IsGuest() {
		return "", fmt.Errorf("auth.Tokens.IssueGuest: %w: not a guest", ErrInvalidToken)
	}
	return t.sign(b, t.guestTTL, []string{RoleGuest})
}

func (t *Tokens) sign(b domain.Buyer, ttl time.Duration, roles []string) (string, error) {
	now := t.now()
	claims := Claims{
		Name:    b.Name,
		Contact: b.Contact,
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   b.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth.Tokens.Issue: %w", err)
	}

	return signed, nil
}

func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	guest := (domain.Buyer{ID: claims.Subject}).IsGuest()
	if guest != claims.HasRole(RoleGuest) || (guest && len(claims.Roles) != 1) {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	return claims, nil
}
