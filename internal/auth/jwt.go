// Package auth implements the Identity Verifier: a pure, stateless bearer
// token verification function over a process-wide signing key.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/haasonsaas/convoai/pkg/models"
)

var (
	// ErrAuthDisabled is returned when no verification key is configured.
	// Callers must treat an empty key as a fatal startup misconfiguration,
	// not a silent "auth off" mode.
	ErrAuthDisabled = errors.New("auth disabled: no verification key configured")
	// ErrInvalidToken covers malformed tokens, bad signatures, and any
	// structural problem short of expiry.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for a structurally valid token whose
	// expiry has passed.
	ErrExpiredToken = errors.New("expired token")
)

// Claims is the JWT payload the Identity Verifier expects: a subject and an
// opaque role set.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies bearer tokens against one process-wide key.
type JWTService struct {
	key    []byte
	expiry time.Duration
}

// NewJWTService builds a JWT helper with the given signing key and default
// token expiry. The key must not be empty; callers are responsible for
// surfacing an empty key as a fatal startup error (see internal/config).
func NewJWTService(key string, expiry time.Duration) *JWTService {
	return &JWTService{key: []byte(key), expiry: expiry}
}

// Generate issues a signed token for the given subject and role set. This
// exists for test fixtures and any internal token-issuing admin tool; the
// core itself never originates identity, only verifies it.
func (s *JWTService) Generate(subject string, roles []string) (string, error) {
	if s == nil || len(s.key) == 0 {
		return "", ErrAuthDisabled
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}

	claims := Claims{
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// Verify is the Identity Verifier's sole operation:
// verify(token) -> {subject, roles, expiry} | InvalidToken | ExpiredToken.
//
// It is a pure function of token and key: no I/O, no caching. Divergent
// verification keys across components manifest as "valid token rejected"
// and must be prevented at configuration time, not detected here.
func (s *JWTService) Verify(token string) (models.User, time.Time, error) {
	if s == nil || len(s.key) == 0 {
		return models.User{}, time.Time{}, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return models.User{}, time.Time{}, ErrExpiredToken
		}
		return models.User{}, time.Time{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return models.User{}, time.Time{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return models.User{}, time.Time{}, ErrInvalidToken
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return models.User{Subject: claims.Subject, Roles: claims.Roles}, expiry, nil
}
