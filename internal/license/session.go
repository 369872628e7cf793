package license

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CookieName carries the license-session token for browser clients.
const CookieName = "m2b_auth"

var ErrInvalidSession = errors.New("license: invalid session token")

type sessionClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	AccountID string `json:"account_id,omitempty"`
}

// Sessions issues and decodes signed license-session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue signs a token for the purchaser. accountID may be uuid.Nil, in which
// case the resolver falls back to the email.
func (s *Sessions) Issue(accountID uuid.UUID, email string) (string, error) {
	now := s.now()
	c := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Email: email,
	}
	if accountID != uuid.Nil {
		c.AccountID = accountID.String()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Decode validates the token and returns what it embeds.
func (s *Sessions) Decode(token string) (uuid.UUID, string, error) {
	var c sessionClaims
	tok, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if !tok.Valid || c.ExpiresAt == nil {
		return uuid.Nil, "", ErrInvalidSession
	}
	var id uuid.UUID
	if c.AccountID != "" {
		if id, err = uuid.Parse(c.AccountID); err != nil {
			return uuid.Nil, "", fmt.Errorf("%w: %w", ErrInvalidSession, err)
		}
	}
	if id == uuid.Nil && c.Email == "" {
		return uuid.Nil, "", ErrInvalidSession
	}
	return id, c.Email, nil
}
