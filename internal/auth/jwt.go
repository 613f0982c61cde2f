// Package auth guards the operator endpoints (/test-call,
// /conversation-call) with bearer tokens. Provider webhooks use signature
// verification instead and never pass through here.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the only supported JWT claims shape for this service.
type Claims struct {
	jwt.RegisteredClaims

	// Subject of the token, e.g. "cli" or an operator name.
	Operator string `json:"operator"`
}

// Manager issues and verifies operator tokens. A nil Manager means the
// operator opted out of endpoint auth.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("auth: operator JWT secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl}, nil
}

// Issue mints a token for an operator identity.
func (m *Manager) Issue(now time.Time, operator string) (string, error) {
	if operator == "" {
		return "", errors.New("auth: operator name is required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Operator: operator,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify parses and validates a token, returning the operator identity.
func (m *Manager) Verify(tokenString string, now time.Time) (string, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return "", err
	}
	if claims.Operator == "" {
		return "", errors.New("auth: operator claim missing")
	}
	return claims.Operator, nil
}
