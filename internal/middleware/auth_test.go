package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/security"
	"canvas-cms/internal/service"
	"canvas-cms/internal/testutil"
)

func newAuthTestService(t *testing.T) (*service.SessionService, *testutil.MockSessionRepository) {
	t.Helper()
	codec, err := security.NewTokenCodec(strings.Repeat("m", 32))
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v, want nil", err)
	}
	repo := testutil.NewMockSessionRepository()
	return service.NewSessionService(codec, repo, nil), repo
}

// loggedIn creates a session bound to the request's client context and
// attaches the bearer cookie to the request.
func loggedIn(t *testing.T, svc *service.SessionService, req *http.Request) *domain.Session {
	t.Helper()
	user := testutil.NewTestUser(testutil.WithUserID("user-123"), testutil.WithUsername("alice"))
	session, err := svc.Create(req.Context(), user, security.ClientContextFromRequest(req))
	if err != nil {
		t.Fatalf("Create() error = %v, want nil", err)
	}
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: session.Token})
	return session
}

func TestAuth_ValidSession(t *testing.T) {
	svc, _ := newAuthTestService(t)

	req := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	session := loggedIn(t, svc, req)

	var gotUserID string
	var gotSession *domain.Session
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = GetUserID(r.Context())
		gotSession, _ = GetSession(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	handler := Auth(svc, false)(nextHandler)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertEqual(t, gotUserID, "user-123")
	if gotSession == nil {
		t.Fatal("session should be in the request context")
	}
	testutil.AssertEqual(t, gotSession.ID, session.ID)
}

func TestAuth_NoCookie(t *testing.T) {
	svc, _ := newAuthTestService(t)

	nextHandlerCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextHandlerCalled = true
	})

	handler := Auth(svc, false)(nextHandler)
	req := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	testutil.AssertFalse(t, nextHandlerCalled, "next handler should not be called")
	testutil.AssertContains(t, w.Body.String(), "Not authenticated")
}

func TestAuth_GarbageToken(t *testing.T) {
	svc, _ := newAuthTestService(t)

	nextHandlerCalled := false
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextHandlerCalled = true
	})

	handler := Auth(svc, false)(nextHandler)
	req := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "not-a-valid-token"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	testutil.AssertFalse(t, nextHandlerCalled, "next handler should not be called")
	testutil.AssertContains(t, w.Body.String(), "Invalid or expired session")
}

func TestAuth_ReplayFromOtherAddress(t *testing.T) {
	svc, _ := newAuthTestService(t)

	origin := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	session := loggedIn(t, svc, origin)

	replay := testutil.NewTestRequest(http.MethodGet, "/protected", "198.51.100.9", "test-agent/1.0")
	replay.AddCookie(&http.Cookie{Name: SessionCookieName, Value: session.Token})

	handler := Auth(svc, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called for a replayed token")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, replay)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
	testutil.AssertContains(t, w.Body.String(), "Invalid or expired session")
}

func TestAuth_AfterLogout(t *testing.T) {
	svc, _ := newAuthTestService(t)

	req := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	session := loggedIn(t, svc, req)

	if err := svc.Logout(req.Context(), session.Token); err != nil {
		t.Fatalf("Logout() error = %v, want nil", err)
	}

	handler := Auth(svc, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not be called after logout")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
}

func TestAuth_RenewsNearExpiry(t *testing.T) {
	svc, repo := newAuthTestService(t)

	req := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	session := loggedIn(t, svc, req)

	// Force the record inside the renewal window.
	repo.Sessions[session.ID].ExpiresAt = time.Now().Add(10 * time.Minute)

	handler := Auth(svc, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)

	cookie := testutil.AssertCookie(t, w, SessionCookieName)
	testutil.AssertNotEqual(t, cookie.Value, session.Token)
	testutil.AssertTrue(t, cookie.HttpOnly, "renewed cookie should be HttpOnly")

	// The record was rewritten in place: same row, new token.
	stored := repo.Sessions[session.ID]
	testutil.AssertEqual(t, stored.Token, cookie.Value)
	if len(repo.Sessions) != 1 {
		t.Errorf("stored sessions = %d, want 1 (renewal must not create a second row)", len(repo.Sessions))
	}
}

func TestAuth_RenewalFailureKeepsSessionValid(t *testing.T) {
	svc, repo := newAuthTestService(t)

	req := testutil.NewTestRequest(http.MethodGet, "/protected", "203.0.113.7", "test-agent/1.0")
	session := loggedIn(t, svc, req)

	repo.Sessions[session.ID].ExpiresAt = time.Now().Add(10 * time.Minute)
	repo.UpdateTokenFunc = func(ctx context.Context, id, newToken string, newExpiresAt time.Time) error {
		return errors.New("connection reset")
	}

	handler := Auth(svc, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	testutil.AssertNoCookie(t, w, SessionCookieName)
}
