package auth

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/convoai/pkg/models"
)

// Config configures the Identity Verifier.
type Config struct {
	// VerificationKey signs and verifies bearer tokens. Empty is a fatal
	// misconfiguration (see internal/config.Load), never a silent bypass.
	VerificationKey string
	TokenExpiry     time.Duration
	APIKeys         []APIKeyConfig
}

// APIKeyConfig declares a static API key and the identity it maps to, for
// service-to-service callers that cannot hold a JWT.
type APIKeyConfig struct {
	Key     string
	Subject string
	Roles   []string
}

// Service is the Identity Verifier: validates bearer tokens and static API
// keys against the process-wide verification key. Stateless except for the
// immutable configuration captured at construction.
type Service struct {
	mu      sync.RWMutex
	jwt     *JWTService
	apiKeys map[string]models.User
}

// NewService constructs the Identity Verifier from static configuration.
// The fatal-empty-key check belongs to process startup (internal/config),
// which has the authority to refuse to start; this constructor accepts an
// empty key, in which case Verify accepts only configured API keys and
// rejects every other token with ErrInvalidToken.
func NewService(cfg Config) *Service {
	svc := &Service{apiKeys: buildAPIKeyMap(cfg.APIKeys)}
	if strings.TrimSpace(cfg.VerificationKey) != "" {
		svc.jwt = NewJWTService(cfg.VerificationKey, cfg.TokenExpiry)
	}
	return svc
}

// Enabled reports whether the service has a usable verification key.
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jwt != nil
}

// GenerateToken issues a signed token, for test fixtures and admin tooling.
func (s *Service) GenerateToken(subject string, roles []string) (string, error) {
	if s == nil {
		return "", ErrAuthDisabled
	}
	s.mu.RLock()
	jwtSvc := s.jwt
	s.mu.RUnlock()
	if jwtSvc == nil {
		return "", ErrAuthDisabled
	}
	return jwtSvc.Generate(subject, roles)
}

// Verify implements the Identity Verifier contract: verify(token) ->
// {subject, roles, expiry} | InvalidToken | ExpiredToken. A bare token is
// tried as a JWT first, then as a static API key.
func (s *Service) Verify(token string) (models.User, time.Time, error) {
	if s == nil {
		return models.User{}, time.Time{}, ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return models.User{}, time.Time{}, ErrInvalidToken
	}

	s.mu.RLock()
	jwtSvc  := s.jwt
	apiKeys := s.apiKeys
	s.mu.RUnlock()

	if jwtSvc != nil {
		user, expiry, err := jwtSvc.Verify(token)
		switch err {
		case nil:
			return user, expiry, nil
		case ErrExpiredToken:
			return models.User{}, time.Time{}, ErrExpiredToken
		}
	}

	// Constant-time comparison across all configured keys prevents a
	// timing attack from narrowing down a valid key by response latency.
	var matched *models.User
	for storedKey, user := range apiKeys {
		u := user
		if subtle.ConstantTimeCompare([]byte(token), []byte(storedKey)) == 1 {
			matched = &u
		}
	}
	if matched != nil {
		return *matched, time.Time{}, nil
	}

	return models.User{}, time.Time{}, ErrInvalidToken
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]models.User {
	out := make(map[string]models.User, len(keys))
	for _, entry := range keys {
		key     := strings.TrimSpace(entry.Key)
		subject := strings.TrimSpace(entry.Subject)
		if key == "" || subject == "" {
			continue
		}
		out[key] = models.User{Subject: subject, Roles: entry.Roles}
	}
	return out
}

// IsAdmin reports whether the user carries the admin role, used by the
// Conversation Store's read/delete bypass and the Analytics Query Surface's
// role gate.
func IsAdmin(user models.User) bool {
	return user.HasRole("admin")
}
