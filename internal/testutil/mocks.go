// Package testutil provides shared test utilities, mocks, and fixtures
// for testing the canvas-cms auth server.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"canvas-cms/internal/domain"
)

// Common test errors
var (
	ErrMockNotImplemented = errors.New("mock function not implemented")
	ErrMockNotFound       = errors.New("mock: not found")
)

// MockUserRepository implements domain.UserRepository for testing
type MockUserRepository struct {
	mu sync.RWMutex

	// Function overrides - set these to customize behavior
	GetByIDFunc       func(ctx context.Context, id string) (*domain.User, error)
	GetByUsernameFunc func(ctx context.Context, username string) (*domain.User, error)

	// In-memory storage for simple tests
	Users map[string]*domain.User
}

// NewMockUserRepository creates a new MockUserRepository with initialized maps
func NewMockUserRepository() *MockUserRepository {
	return &MockUserRepository{
		Users: make(map[string]*domain.User),
	}
}

// Add stores a user keyed by ID for simple lookup tests
func (m *MockUserRepository) Add(user *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users[user.ID] = user
}

func (m *MockUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if user, ok := m.Users[id]; ok {
		return user, nil
	}
	return nil, domain.ErrUserNotFound
}

func (m *MockUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.Users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

// MockSessionRepository implements domain.SessionRepository for testing
type MockSessionRepository struct {
	mu sync.RWMutex

	// Function overrides
	CreateFunc             func(ctx context.Context, session *domain.Session) error
	GetByTokenFunc         func(ctx context.Context, token string) (*domain.Session, error)
	GetByIDFunc            func(ctx context.Context, id string) (*domain.Session, error)
	UpdateTokenFunc        func(ctx context.Context, id, newToken string, newExpiresAt time.Time) error
	UpdateLastActivityFunc func(ctx context.Context, token string) error
	DeleteByTokenFunc      func(ctx context.Context, token string) error
	DeleteByIDFunc         func(ctx context.Context, id string) error
	DeleteAllExceptFunc    func(ctx context.Context, userID, keepToken string) (int64, error)
	DeleteExpiredFunc      func(ctx context.Context) (int64, error)

	// In-memory storage keyed by session ID
	Sessions map[string]*domain.Session
}

// NewMockSessionRepository creates a new MockSessionRepository with initialized maps
func NewMockSessionRepository() *MockSessionRepository {
	return &MockSessionRepository{
		Sessions: make(map[string]*domain.Session),
	}
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, session)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = "session-" + uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	// Store a copy so the stored record is independent of the caller's
	// struct, mirroring how a real database row behaves.
	stored := *session
	m.Sessions[session.ID] = &stored
	return nil
}

func (m *MockSessionRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	if m.GetByTokenFunc != nil {
		return m.GetByTokenFunc(ctx, token)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, session := range m.Sessions {
		if session.Token == token {
			if session.ExpiresAt.Before(time.Now()) {
				return nil, domain.ErrSessionNotFound
			}
			return session, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MockSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if session, ok := m.Sessions[id]; ok {
		return session, nil
	}
	return nil, domain.ErrSessionNotFound
}

func (m *MockSessionRepository) UpdateToken(ctx context.Context, id, newToken string, newExpiresAt time.Time) error {
	if m.UpdateTokenFunc != nil {
		return m.UpdateTokenFunc(ctx, id, newToken, newExpiresAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.Sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	session.Token = newToken
	session.ExpiresAt = newExpiresAt
	session.LastActivityAt = time.Now()
	return nil
}

func (m *MockSessionRepository) UpdateLastActivity(ctx context.Context, token string) error {
	if m.UpdateLastActivityFunc != nil {
		return m.UpdateLastActivityFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, session := range m.Sessions {
		if session.Token == token {
			session.LastActivityAt = time.Now()
			return nil
		}
	}
	return domain.ErrSessionNotFound
}

func (m *MockSessionRepository) DeleteByToken(ctx context.Context, token string) error {
	if m.DeleteByTokenFunc != nil {
		return m.DeleteByTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.Sessions {
		if session.Token == token {
			delete(m.Sessions, id)
			return nil
		}
	}
	return nil
}

func (m *MockSessionRepository) DeleteByID(ctx context.Context, id string) error {
	if m.DeleteByIDFunc != nil {
		return m.DeleteByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Sessions, id)
	return nil
}

func (m *MockSessionRepository) DeleteAllExcept(ctx context.Context, userID, keepToken string) (int64, error) {
	if m.DeleteAllExceptFunc != nil {
		return m.DeleteAllExceptFunc(ctx, userID, keepToken)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, session := range m.Sessions {
		if session.UserID == userID && session.Token != keepToken {
			delete(m.Sessions, id)
			count++
		}
	}
	return count, nil
}

func (m *MockSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	now := time.Now()
	for id, session := range m.Sessions {
		if session.ExpiresAt.Before(now) {
			delete(m.Sessions, id)
			count++
		}
	}
	return count, nil
}

// MockCSRFRepository implements domain.CSRFRepository for testing
type MockCSRFRepository struct {
	mu sync.RWMutex

	// Function overrides
	InsertFunc          func(ctx context.Context, token *domain.CSRFToken) error
	MostRecentFunc      func(ctx context.Context, sessionID string) (*domain.CSRFToken, error)
	DeleteByIDFunc      func(ctx context.Context, id string) error
	DeleteBySessionFunc func(ctx context.Context, sessionID string) error
	DeleteStaleFunc     func(ctx context.Context, olderThan time.Duration) (int64, error)

	// In-memory storage keyed by row ID
	Tokens map[string]*domain.CSRFToken
}

// NewMockCSRFRepository creates a new MockCSRFRepository with initialized maps
func NewMockCSRFRepository() *MockCSRFRepository {
	return &MockCSRFRepository{
		Tokens: make(map[string]*domain.CSRFToken),
	}
}

func (m *MockCSRFRepository) Insert(ctx context.Context, token *domain.CSRFToken) error {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	m.Tokens[token.ID] = token
	return nil
}

func (m *MockCSRFRepository) MostRecent(ctx context.Context, sessionID string) (*domain.CSRFToken, error) {
	if m.MostRecentFunc != nil {
		return m.MostRecentFunc(ctx, sessionID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]*domain.CSRFToken, 0)
	for _, token := range m.Tokens {
		if token.SessionID == sessionID {
			matches = append(matches, token)
		}
	}
	if len(matches) == 0 {
		return nil, domain.ErrCSRFTokenNotFound
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches[0], nil
}

func (m *MockCSRFRepository) DeleteByID(ctx context.Context, id string) error {
	if m.DeleteByIDFunc != nil {
		return m.DeleteByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Tokens, id)
	return nil
}

func (m *MockCSRFRepository) DeleteBySession(ctx context.Context, sessionID string) error {
	if m.DeleteBySessionFunc != nil {
		return m.DeleteBySessionFunc(ctx, sessionID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, token := range m.Tokens {
		if token.SessionID == sessionID {
			delete(m.Tokens, id)
		}
	}
	return nil
}

func (m *MockCSRFRepository) DeleteStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if m.DeleteStaleFunc != nil {
		return m.DeleteStaleFunc(ctx, olderThan)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	cutoff := time.Now().Add(-olderThan)
	for id, token := range m.Tokens {
		if !token.CreatedAt.After(cutoff) {
			delete(m.Tokens, id)
			count++
		}
	}
	return count, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
