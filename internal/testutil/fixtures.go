package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/security"
)

// Counter for generating unique IDs
var idCounter atomic.Int64

// nextID generates a unique ID for test fixtures
func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

// UserOptions allows customizing user fixture creation
type UserOptions struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// NewTestUser creates a test user with sensible defaults
// Pass options to override specific fields
func NewTestUser(opts ...func(*UserOptions)) *domain.User {
	o := &UserOptions{
		ID:           nextID("user"),
		Username:     fmt.Sprintf("testuser%d", idCounter.Load()),
		PasswordHash: "$2a$10$test.hash.for.testing.purposes.only", // bcrypt hash placeholder
	}

	for _, opt := range opts {
		opt(o)
	}

	// Set email based on username if not provided
	if o.Email == "" {
		o.Email = o.Username + "@example.com"
	}

	// Set created time if not provided
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	return &domain.User{
		ID:           o.ID,
		Username:     o.Username,
		Email:        o.Email,
		PasswordHash: o.PasswordHash,
		CreatedAt:    o.CreatedAt,
	}
}

// User option functions

// WithUserID sets the user ID
func WithUserID(id string) func(*UserOptions) {
	return func(o *UserOptions) {
		o.ID = id
	}
}

// WithUsername sets the username
func WithUsername(username string) func(*UserOptions) {
	return func(o *UserOptions) {
		o.Username = username
	}
}

// WithEmail sets the email
func WithEmail(email string) func(*UserOptions) {
	return func(o *UserOptions) {
		o.Email = email
	}
}

// WithPasswordHash sets the password hash
func WithPasswordHash(hash string) func(*UserOptions) {
	return func(o *UserOptions) {
		o.PasswordHash = hash
	}
}

// SessionOptions allows customizing session fixture creation
type SessionOptions struct {
	ID             string
	UserID         string
	Token          string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	LastActivityAt time.Time
	IPAddress      string
	UserAgent      string
}

// NewTestSession creates a test session with sensible defaults
func NewTestSession(opts ...func(*SessionOptions)) *domain.Session {
	now := time.Now()
	o := &SessionOptions{
		ID:             nextID("session"),
		UserID:         nextID("user"),
		Token:          nextID("token"),
		ExpiresAt:      now.Add(security.TokenLifetime),
		CreatedAt:      now,
		LastActivityAt: now,
		IPAddress:      "abcdef0123456789",
		UserAgent:      "test-agent/1.0",
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.Session{
		ID:             o.ID,
		UserID:         o.UserID,
		Token:          o.Token,
		ExpiresAt:      o.ExpiresAt,
		CreatedAt:      o.CreatedAt,
		LastActivityAt: o.LastActivityAt,
		IPAddress:      o.IPAddress,
		UserAgent:      o.UserAgent,
	}
}

// Session option functions

// WithSessionID sets the session ID
func WithSessionID(id string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ID = id
	}
}

// WithSessionUserID sets the user ID for the session
func WithSessionUserID(userID string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.UserID = userID
	}
}

// WithToken sets the session token
func WithToken(token string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.Token = token
	}
}

// WithExpiresAt sets the session expiration time
func WithExpiresAt(t time.Time) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ExpiresAt = t
	}
}

// WithExpired creates an expired session
func WithExpired() func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.ExpiresAt = time.Now().Add(-1 * time.Hour)
	}
}

// WithSessionIPAddress sets the hashed client IP recorded on the session
func WithSessionIPAddress(ipHash string) func(*SessionOptions) {
	return func(o *SessionOptions) {
		o.IPAddress = ipHash
	}
}

// CSRFOptions allows customizing CSRF token fixture creation
type CSRFOptions struct {
	ID        string
	SessionID string
	Token     string
	CreatedAt time.Time
}

// NewTestCSRFToken creates a test CSRF token row with sensible defaults.
// The default token value is 64 hex characters, matching what the manager
// issues.
func NewTestCSRFToken(opts ...func(*CSRFOptions)) *domain.CSRFToken {
	o := &CSRFOptions{
		ID:        nextID("csrf"),
		SessionID: nextID("session"),
		Token:     fmt.Sprintf("%064x", idCounter.Load()),
		CreatedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(o)
	}

	return &domain.CSRFToken{
		ID:        o.ID,
		SessionID: o.SessionID,
		Token:     o.Token,
		CreatedAt: o.CreatedAt,
	}
}

// CSRF option functions

// WithCSRFSessionID sets the owning session ID
func WithCSRFSessionID(sessionID string) func(*CSRFOptions) {
	return func(o *CSRFOptions) {
		o.SessionID = sessionID
	}
}

// WithCSRFCreatedAt sets the row creation time
func WithCSRFCreatedAt(t time.Time) func(*CSRFOptions) {
	return func(o *CSRFOptions) {
		o.CreatedAt = t
	}
}

// NewTestRequest builds an HTTP request with the headers fingerprinting
// reads, so ClientContextFromRequest produces stable values across a test.
func NewTestRequest(method, target, ip, userAgent string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = ip + ":54321"
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Accept-Encoding", "gzip")
	return req
}

// ResetIDCounter resets the ID counter (useful for deterministic tests)
func ResetIDCounter() {
	idCounter.Store(0)
}
