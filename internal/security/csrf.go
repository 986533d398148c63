package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canvas-cms/internal/domain"

	"github.com/google/uuid"
)

// CSRFTokenLifetime is how long an unused token stays valid.
const CSRFTokenLifetime = time.Hour

const csrfTokenBytes = 32

// CSRFManager issues and single-use-validates anti-CSRF tokens bound to a
// session id. Tokens are cryptographically random and stored server-side;
// verification is a database lookup plus constant-time comparison, not a
// signature check.
type CSRFManager struct {
	repo domain.CSRFRepository
	now  func() time.Time
}

// NewCSRFManager creates a new CSRF token manager.
func NewCSRFManager(repo domain.CSRFRepository) *CSRFManager {
	return &CSRFManager{
		repo: repo,
		now:  time.Now,
	}
}

// Issue generates a random token (256 bits, hex-encoded) and stores it for
// the session. Older unused tokens are left in place; validation only ever
// considers the most recent row.
func (m *CSRFManager) Issue(ctx context.Context, sessionID string) (string, error) {
	raw := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	token := hex.EncodeToString(raw)

	row := &domain.CSRFToken{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Token:     token,
		CreatedAt: m.now(),
	}
	if err := m.repo.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("failed to store csrf token: %w", err)
	}

	return token, nil
}

// Validate checks the supplied token against the most recent one issued for
// the session. A match consumes the token: the row is deleted so a replay of
// the same value fails. Malformed input is invalid, not an internal error.
func (m *CSRFManager) Validate(ctx context.Context, sessionID, supplied string) (bool, error) {
	if len(supplied) != csrfTokenBytes*2 {
		return false, nil
	}
	if _, err := hex.DecodeString(supplied); err != nil {
		return false, nil
	}

	row, err := m.repo.MostRecent(ctx, sessionID)
	if errors.Is(err, domain.ErrCSRFTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load csrf token: %w", err)
	}

	if m.now().Sub(row.CreatedAt) > CSRFTokenLifetime {
		if delErr := m.repo.DeleteByID(ctx, row.ID); delErr != nil {
			slog.Error("failed to delete stale csrf token",
				slog.String("session_id", sessionID),
				slog.String("error", delErr.Error()))
		}
		return false, nil
	}

	if !hmac.Equal([]byte(row.Token), []byte(supplied)) {
		slog.Warn("csrf token mismatch",
			slog.String("session_id", sessionID))
		return false, nil
	}

	// Single use: the row must be gone before we report success.
	if err := m.repo.DeleteByID(ctx, row.ID); err != nil {
		return false, fmt.Errorf("failed to consume csrf token: %w", err)
	}

	return true, nil
}

// Revoke removes every token issued for a session. Called on logout so no
// CSRF secret outlives the session it was bound to.
func (m *CSRFManager) Revoke(ctx context.Context, sessionID string) error {
	if err := m.repo.DeleteBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to revoke csrf tokens: %w", err)
	}
	return nil
}
