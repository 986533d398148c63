package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/messaging"
	"canvas-cms/internal/observability"
	"canvas-cms/internal/security"
)

const maxUserAgentLen = 256

// Validation reasons produced by the session layer, on top of the token
// codec's own reasons.
const (
	ReasonSessionNotFound = "session_not_found"
	ReasonSessionExpired  = "session_expired"
	ReasonInternal        = "error"
)

// Validation is the outcome of checking a bearer token against both its
// signature and the live session record.
type Validation struct {
	Valid        bool
	Session      *domain.Session
	Claims       *security.Claims
	NeedsRenewal bool
	Reason       string
}

// SessionService orchestrates session lifecycle: token issuance, combined
// token-plus-record validation, sliding renewal, and termination. Database
// errors during validation fail closed; session validity gates access, not
// availability.
type SessionService struct {
	codec    *security.TokenCodec
	sessions domain.SessionRepository
	audit    *messaging.AuditPublisher
}

// NewSessionService creates a new session service. audit may be nil when no
// broker is configured.
func NewSessionService(codec *security.TokenCodec, sessions domain.SessionRepository, audit *messaging.AuditPublisher) *SessionService {
	return &SessionService{
		codec:    codec,
		sessions: sessions,
		audit:    audit,
	}
}

// Create issues a bound token for the user and inserts the matching session
// record. The record's expiry mirrors the token's at creation; the record
// stays the authoritative one afterwards.
func (s *SessionService) Create(ctx context.Context, user *domain.User, client security.ClientContext) (*domain.Session, error) {
	token, expiresAt, err := s.codec.Issue(user, client)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	session := &domain.Session{
		UserID:         user.ID,
		Token:          token,
		ExpiresAt:      expiresAt,
		LastActivityAt: time.Now(),
		IPAddress:      client.IP,
		UserAgent:      truncate(client.UserAgent, maxUserAgentLen),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	observability.SessionsCreated.Inc()
	slog.Info("session created",
		slog.String("user_id", user.ID),
		slog.String("session_id", session.ID),
		slog.String("ip_hash", client.IPHash),
		slog.String("user_agent", session.UserAgent))

	return session, nil
}

// Validate verifies the token cryptographically, then cross-checks the live
// session record. A well-signed token whose record is gone (logout, forced
// termination, cleanup) is invalid. The stricter of record and token expiry
// governs.
func (s *SessionService) Validate(ctx context.Context, token string, client security.ClientContext) Validation {
	v := s.codec.Verify(token, client)
	observability.TokenVerifications.WithLabelValues(verificationResult(v)).Inc()

	if !v.Valid {
		if v.SecurityViolation {
			s.publishEvent(ctx, &messaging.SecurityEvent{
				Type:        messaging.EventBindingViolation,
				IPHash:      client.IPHash,
				Fingerprint: client.Fingerprint,
				Reason:      v.Reason,
			})
		}
		return Validation{Reason: v.Reason}
	}

	session, err := s.sessions.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return Validation{Reason: ReasonSessionNotFound}
	}
	if err != nil {
		slog.Error("session lookup failed",
			slog.String("operation", "GetByToken"),
			slog.String("error", err.Error()))
		return Validation{Reason: ReasonInternal}
	}

	// GetByToken excludes expired rows, but the record expiry is checked
	// here as well: a force-expired record must win over a live token.
	if time.Now().After(session.ExpiresAt) {
		return Validation{Reason: ReasonSessionExpired}
	}

	if err := s.sessions.UpdateLastActivity(ctx, token); err != nil {
		slog.Error("failed to update session activity",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		return Validation{Reason: ReasonInternal}
	}

	needsRenewal := v.NeedsRenewal || time.Until(session.ExpiresAt) < security.RenewalThreshold

	return Validation{
		Valid:        true,
		Session:      session,
		Claims:       v.Claims,
		NeedsRenewal: needsRenewal,
	}
}

// Renew issues a fresh token for the session's owner and overwrites the
// record's token and expiry in place. The record id survives, so renewal
// never creates a second session row. The previous token stops resolving
// immediately; the replacement cookie rides the same response.
func (s *SessionService) Renew(ctx context.Context, session *domain.Session, claims *security.Claims, client security.ClientContext) (string, time.Time, error) {
	user := &domain.User{
		ID:       session.UserID,
		Username: claims.Username,
		Email:    claims.Email,
	}

	token, expiresAt, err := s.codec.Issue(user, client)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to issue renewal token: %w", err)
	}

	if err := s.sessions.UpdateToken(ctx, session.ID, token, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to renew session: %w", err)
	}

	observability.SessionRenewals.Inc()
	slog.Info("session renewed",
		slog.String("session_id", session.ID),
		slog.String("user_id", session.UserID))

	return token, expiresAt, nil
}

// Terminate deletes a session by id. Only the owning user may terminate it;
// anything else is logged and rejected.
func (s *SessionService) Terminate(ctx context.Context, sessionID, callerUserID string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.UserID != callerUserID {
		slog.Warn("unauthorized session termination attempt",
			slog.String("session_id", sessionID),
			slog.String("owner_id", session.UserID),
			slog.String("caller_id", callerUserID))
		s.publishEvent(ctx, &messaging.SecurityEvent{
			Type:      messaging.EventUnauthorizedAccess,
			UserID:    callerUserID,
			SessionID: sessionID,
			Reason:    "not_session_owner",
		})
		return domain.ErrNotSessionOwner
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}

	observability.SessionsTerminated.WithLabelValues("explicit").Inc()
	s.publishEvent(ctx, &messaging.SecurityEvent{
		Type:      messaging.EventSessionTerminated,
		UserID:    callerUserID,
		SessionID: sessionID,
		Reason:    "explicit",
	})
	return nil
}

// TerminateOthers deletes every session of the user except the one holding
// keepToken ("log out everywhere else").
func (s *SessionService) TerminateOthers(ctx context.Context, userID, keepToken string) (int64, error) {
	count, err := s.sessions.DeleteAllExcept(ctx, userID, keepToken)
	if err != nil {
		return 0, fmt.Errorf("failed to terminate other sessions: %w", err)
	}

	observability.SessionsTerminated.WithLabelValues("logout_others").Add(float64(count))
	slog.Info("terminated other sessions",
		slog.String("user_id", userID),
		slog.Int64("count", count))

	if count > 0 {
		s.publishEvent(ctx, &messaging.SecurityEvent{
			Type:   messaging.EventSessionTerminated,
			UserID: userID,
			Reason: "logout_others",
		})
	}
	return count, nil
}

// Logout deletes the session holding the given token.
func (s *SessionService) Logout(ctx context.Context, token string) error {
	if err := s.sessions.DeleteByToken(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	observability.SessionsTerminated.WithLabelValues("logout").Inc()
	return nil
}

func (s *SessionService) publishEvent(ctx context.Context, event *messaging.SecurityEvent) {
	if s.audit == nil {
		return
	}
	event.Timestamp = time.Now().Unix()
	s.audit.Publish(ctx, event)
}

func verificationResult(v security.Verification) string {
	switch {
	case v.Valid:
		return "valid"
	case v.SecurityViolation:
		return "binding_mismatch"
	case v.Reason == security.ReasonExpired:
		return "expired"
	default:
		return "invalid"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
