package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "cropmind"

var (
	ErrNoSecret       = errors.New("jwt secret not configured")
	ErrMissingSubject = errors.New("subject claim required")
	ErrInvalidToken   = errors.New("invalid token")
	ErrNonPositiveTTL = errors.New("token ttl must be positive")
)

// Claims carries the user's email as the subject.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Tokens issues and verifies HS256 bearer tokens.
type Tokens struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for email, returning it with its expiry.
func (t Tokens) Issue(email, name string) (string, time.Time, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", time.Time{}, ErrNoSecret
	}
	if t.TTL <= 0 {
		return "", time.Time{}, ErrNonPositiveTTL
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return "", time.Time{}, ErrMissingSubject
	}
	now := t.now().UTC()
	exp := now.Add(t.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name: name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(t.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and expiry and returns the subject email.
func (t Tokens) Verify(token string) (string, error) {
	if strings.TrimSpace(t.Secret) == "" {
		return "", ErrNoSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(t.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}
