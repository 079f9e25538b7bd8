// Package auth provides bearer-token authentication for the control API's
// mutating endpoints. Tokens are HS256 JWTs carrying the operator identity;
// an empty secret disables auth entirely, which is the dev-profile default.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned by token operations when no secret is
	// configured.
	ErrAuthDisabled = errors.New("auth is disabled")

	// ErrInvalidToken covers every parse, signature, and expiry failure;
	// callers get no more detail than that.
	ErrInvalidToken = errors.New("invalid token")
)

// Operator is the authenticated principal behind a control-API call.
type Operator struct {
	ID   string
	Name string
}

// Service handles token signing and verification.
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService builds a JWT helper with the given secret and expiry. An empty
// secret yields a disabled service whose Enabled() is false.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry}
}

// Enabled reports whether auth is enforced.
func (s *Service) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given operator.
func (s *Service) Generate(op Operator) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(op.ID) == "" {
		return "", errors.New("operator id required")
	}

	c := claims{
		Name: strings.TrimSpace(op.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  op.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if s.expiry != 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a token, returning the operator inside it.
func (s *Service) Validate(token string) (Operator, error) {
	if !s.Enabled() {
		return Operator{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Operator{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return Operator{}, ErrInvalidToken
	}
	return Operator{ID: c.Subject, Name: c.Name}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
