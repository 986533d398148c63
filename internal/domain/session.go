package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrNotSessionOwner = errors.New("session does not belong to caller")
)

// Session is the server-side record of a live login. Its expires_at is the
// authoritative expiry for revocation: deleting or expiring the row kills the
// login even if the bearer token is still cryptographically valid.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
}

// SessionRepository defines the interface for session data access.
// GetByToken must exclude rows whose expires_at has passed.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	GetByID(ctx context.Context, id string) (*Session, error)
	UpdateToken(ctx context.Context, id, newToken string, newExpiresAt time.Time) error
	UpdateLastActivity(ctx context.Context, token string) error
	DeleteByToken(ctx context.Context, token string) error
	DeleteByID(ctx context.Context, id string) error
	DeleteAllExcept(ctx context.Context, userID, keepToken string) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
}
