package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/messaging"
	"canvas-cms/internal/ratelimit"
	"canvas-cms/internal/security"

	"golang.org/x/crypto/bcrypt"
)

// failureTTL bounds how long a consecutive-failure streak influences the
// progressive limiter.
const failureTTL = time.Hour

// RateLimitedError is returned when a login attempt is denied by the rate
// limiter. It carries the quota details callers expose in response headers.
type RateLimitedError struct {
	Remaining int64
	ResetAt   time.Time
}

func (e *RateLimitedError) Error() string {
	return "rate limited"
}

type failureEntry struct {
	count int
	last  time.Time
}

// AuthService authenticates credentials and hands verified identities to the
// session layer. It tracks consecutive failures per client identifier and
// feeds the count into the progressive rate limiter, so repeated bad guesses
// tighten the login rule.
type AuthService struct {
	users    domain.UserRepository
	sessions *SessionService
	limiter  *ratelimit.Limiter
	audit    *messaging.AuditPublisher

	mu       sync.Mutex
	failures map[string]*failureEntry
}

// NewAuthService creates a new authentication service. audit may be nil when
// no broker is configured.
func NewAuthService(users domain.UserRepository, sessions *SessionService, limiter *ratelimit.Limiter, audit *messaging.AuditPublisher) *AuthService {
	return &AuthService{
		users:    users,
		sessions: sessions,
		limiter:  limiter,
		audit:    audit,
		failures: make(map[string]*failureEntry),
	}
}

// Login verifies credentials and creates a session bound to the requesting
// client. Authentication failures are uniform: the caller cannot distinguish
// an unknown username from a wrong password.
func (s *AuthService) Login(ctx context.Context, username, password string, client security.ClientContext) (*domain.Session, *domain.User, error) {
	identifier := "ip:" + client.IP

	result := s.limiter.Progressive(ctx, identifier, ratelimit.ActionLogin, s.failureCount(identifier))
	if !result.Allowed {
		s.publishAudit(ctx, messaging.EventRateLimited, "", "", client)
		return nil, nil, &RateLimitedError{
			Remaining: result.Remaining,
			ResetAt:   result.ResetAt,
		}
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		s.recordFailure(identifier)
		return nil, nil, domain.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(
		[]byte(user.PasswordHash), []byte(password),
	); err != nil {
		s.recordFailure(identifier)
		return nil, nil, domain.ErrInvalidCredentials
	}

	session, err := s.sessions.Create(ctx, user, client)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.clearFailures(identifier)
	return session, user, nil
}

// Logout deletes the session holding the given token.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	return s.sessions.Logout(ctx, token)
}

// LogoutOthers terminates every other session of the user.
func (s *AuthService) LogoutOthers(ctx context.Context, userID, currentToken string) (int64, error) {
	return s.sessions.TerminateOthers(ctx, userID, currentToken)
}

// GetUserByID resolves the identity behind a validated session.
func (s *AuthService) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

// IsRateLimited reports whether err is a rate-limit denial.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

func (s *AuthService) failureCount(identifier string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.failures[identifier]
	if !ok {
		return 0
	}
	if time.Since(entry.last) > failureTTL {
		delete(s.failures, identifier)
		return 0
	}
	return entry.count
}

func (s *AuthService) recordFailure(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.failures[identifier]
	if !ok || time.Since(entry.last) > failureTTL {
		s.failures[identifier] = &failureEntry{count: 1, last: time.Now()}
		return
	}
	entry.count++
	entry.last = time.Now()
}

func (s *AuthService) clearFailures(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, identifier)
}

func (s *AuthService) publishAudit(ctx context.Context, eventType, userID, sessionID string, client security.ClientContext) {
	if s.audit == nil {
		return
	}
	s.audit.Publish(ctx, &messaging.SecurityEvent{
		Type:        eventType,
		UserID:      userID,
		SessionID:   sessionID,
		IPHash:      client.IPHash,
		Fingerprint: client.Fingerprint,
		Timestamp:   time.Now().Unix(),
	})
}
