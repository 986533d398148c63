package domain

import (
	"context"
	"errors"
	"time"
)

var ErrCSRFTokenNotFound = errors.New("csrf token not found")

// CSRFToken is a single-use secondary secret bound to a session. A row is
// deleted on first successful validation or when it goes stale.
type CSRFToken struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// CSRFRepository defines the interface for CSRF token data access.
// MostRecent returns the newest row for a session; older unused rows are
// ignored by validation and reaped by DeleteStale.
type CSRFRepository interface {
	Insert(ctx context.Context, token *CSRFToken) error
	MostRecent(ctx context.Context, sessionID string) (*CSRFToken, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteBySession(ctx context.Context, sessionID string) error
	DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error)
}
