package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/middleware"
	"canvas-cms/internal/ratelimit"
	"canvas-cms/internal/security"
	"canvas-cms/internal/service"
	"canvas-cms/internal/testutil"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
)

var hexToken64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

type handlerTestEnv struct {
	handler    *AuthHandler
	users      *testutil.MockUserRepository
	sessions   *testutil.MockSessionRepository
	csrfRepo   *testutil.MockCSRFRepository
	sessionSvc *service.SessionService
}

func newHandlerTestEnv(t *testing.T) *handlerTestEnv {
	t.Helper()

	codec, err := security.NewTokenCodec(strings.Repeat("h", 32))
	if err != nil {
		t.Fatalf("NewTokenCodec() error = %v, want nil", err)
	}

	users := testutil.NewMockUserRepository()
	sessions := testutil.NewMockSessionRepository()
	csrfRepo := testutil.NewMockCSRFRepository()

	sessionSvc := service.NewSessionService(codec, sessions, nil)
	csrf := security.NewCSRFManager(csrfRepo)

	store := ratelimit.NewMemoryStore(context.Background())
	t.Cleanup(store.Stop)
	limiter := ratelimit.New(store)

	authSvc := service.NewAuthService(users, sessionSvc, limiter, nil)

	return &handlerTestEnv{
		handler:    NewAuthHandler(authSvc, sessionSvc, csrf, false),
		users:      users,
		sessions:   sessions,
		csrfRepo:   csrfRepo,
		sessionSvc: sessionSvc,
	}
}

func (env *handlerTestEnv) addUser(t *testing.T, id, username, password string) *domain.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	user := testutil.NewTestUser(
		testutil.WithUserID(id),
		testutil.WithUsername(username),
		testutil.WithPasswordHash(string(hash)),
	)
	env.users.Add(user)
	return user
}

// establishSession creates a session the way a successful login would, bound
// to the given client address.
func (env *handlerTestEnv) establishSession(t *testing.T, user *domain.User, ip string) *domain.Session {
	t.Helper()
	req := testutil.NewTestRequest(http.MethodGet, "/", ip, "test-agent/1.0")
	session, err := env.sessionSvc.Create(req.Context(), user, security.ClientContextFromRequest(req))
	if err != nil {
		t.Fatalf("Create() error = %v, want nil", err)
	}
	return session
}

func loginRequest(t *testing.T, ip, username, password string) *http.Request {
	t.Helper()
	req := testutil.NewTestRequest(http.MethodPost, "/api/v1/auth/login", ip, "test-agent/1.0")
	body := `{"username":"` + username + `","password":"` + password + `"}`
	return rebuildWithBody(t, req, body)
}

func rebuildWithBody(t *testing.T, src *http.Request, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(src.Method, src.URL.String(), strings.NewReader(body))
	req.RemoteAddr = src.RemoteAddr
	req.Header = src.Header.Clone()
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAuthHandler_Login_Success(t *testing.T) {
	env := newHandlerTestEnv(t)
	env.addUser(t, "user-123", "alice", "correct horse battery")

	req := loginRequest(t, "203.0.113.7", "alice", "correct horse battery")
	w := httptest.NewRecorder()

	env.handler.Login(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)

	cookie := testutil.AssertCookie(t, w, middleware.SessionCookieName)
	testutil.AssertTrue(t, cookie.HttpOnly, "session cookie must be HttpOnly")
	testutil.AssertEqual(t, cookie.SameSite, http.SameSiteStrictMode)
	if cookie.Value == "" {
		t.Fatal("session cookie should carry the bearer token")
	}

	resp := testutil.DecodeJSON[LoginResponse](t, w)
	testutil.AssertTrue(t, resp.Success, "login response should report success")
	testutil.AssertEqual(t, resp.User.ID, "user-123")
	testutil.AssertEqual(t, resp.User.Username, "alice")
	if !hexToken64.MatchString(resp.CSRFToken) {
		t.Errorf("csrf_token = %q, want 64 hex characters", resp.CSRFToken)
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Error("expires_at should be in the future")
	}

	if len(env.sessions.Sessions) != 1 {
		t.Errorf("stored sessions = %d, want 1", len(env.sessions.Sessions))
	}
}

func TestAuthHandler_Login_InvalidBody(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := testutil.NewTestRequest(http.MethodPost, "/api/v1/auth/login", "203.0.113.7", "test-agent/1.0")
	req = rebuildWithBody(t, req, "{not json")
	w := httptest.NewRecorder()

	env.handler.Login(w, req)

	testutil.AssertStatusCode(t, w, http.StatusBadRequest)
}

func TestAuthHandler_Login_UniformFailures(t *testing.T) {
	env := newHandlerTestEnv(t)
	env.addUser(t, "user-123", "alice", "correct horse battery")

	// Unknown username and wrong password must be indistinguishable.
	unknownW := httptest.NewRecorder()
	env.handler.Login(unknownW, loginRequest(t, "203.0.113.7", "nobody", "whatever"))

	wrongW := httptest.NewRecorder()
	env.handler.Login(wrongW, loginRequest(t, "203.0.113.8", "alice", "bad guess"))

	testutil.AssertStatusCode(t, unknownW, http.StatusUnauthorized)
	testutil.AssertStatusCode(t, wrongW, http.StatusUnauthorized)
	testutil.AssertEqual(t, unknownW.Body.String(), wrongW.Body.String())
	testutil.AssertNoCookie(t, unknownW, middleware.SessionCookieName)
}

func TestAuthHandler_Login_RateLimited(t *testing.T) {
	env := newHandlerTestEnv(t)
	env.addUser(t, "user-123", "alice", "correct horse battery")

	var last *httptest.ResponseRecorder
	for i := 0; i < 8; i++ {
		last = httptest.NewRecorder()
		env.handler.Login(last, loginRequest(t, "203.0.113.7", "alice", "bad guess"))
		if last.Code == http.StatusTooManyRequests {
			break
		}
	}

	testutil.AssertStatusCode(t, last, http.StatusTooManyRequests)
	testutil.AssertContains(t, last.Body.String(), "Too many attempts")
	if last.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
	if last.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset header should be set")
	}

	// Even correct credentials are denied while the window holds.
	w := httptest.NewRecorder()
	env.handler.Login(w, loginRequest(t, "203.0.113.7", "alice", "correct horse battery"))
	testutil.AssertStatusCode(t, w, http.StatusTooManyRequests)
}

func TestAuthHandler_Logout(t *testing.T) {
	env := newHandlerTestEnv(t)
	user := env.addUser(t, "user-123", "alice", "correct horse battery")
	session := env.establishSession(t, user, "203.0.113.7")

	// A CSRF token exists for the session and must not survive logout.
	stray := testutil.NewTestCSRFToken(testutil.WithCSRFSessionID(session.ID))
	env.csrfRepo.Tokens[stray.ID] = stray

	req := testutil.NewTestRequest(http.MethodPost, "/api/v1/auth/logout", "203.0.113.7", "test-agent/1.0")
	req = req.WithContext(middleware.WithSession(req.Context(), session))
	w := httptest.NewRecorder()

	env.handler.Logout(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)

	cookie := testutil.AssertCookie(t, w, middleware.SessionCookieName)
	if cookie.MaxAge >= 0 {
		t.Errorf("cookie MaxAge = %d, want negative (cleared)", cookie.MaxAge)
	}

	if len(env.sessions.Sessions) != 0 {
		t.Errorf("stored sessions = %d, want 0 after logout", len(env.sessions.Sessions))
	}
	if len(env.csrfRepo.Tokens) != 0 {
		t.Errorf("stored csrf tokens = %d, want 0 after logout", len(env.csrfRepo.Tokens))
	}
}

func TestAuthHandler_Logout_NoSession(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := testutil.NewTestRequest(http.MethodPost, "/api/v1/auth/logout", "203.0.113.7", "test-agent/1.0")
	w := httptest.NewRecorder()

	env.handler.Logout(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
}

func TestAuthHandler_LogoutOthers(t *testing.T) {
	env := newHandlerTestEnv(t)
	user := env.addUser(t, "user-123", "alice", "correct horse battery")

	current := env.establishSession(t, user, "203.0.113.7")
	env.establishSession(t, user, "203.0.113.8")
	env.establishSession(t, user, "203.0.113.9")

	req := testutil.NewTestRequest(http.MethodPost, "/api/v1/auth/logout-others", "203.0.113.7", "test-agent/1.0")
	req = req.WithContext(middleware.WithSession(req.Context(), current))
	w := httptest.NewRecorder()

	env.handler.LogoutOthers(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]int64](t, w)
	testutil.AssertEqual(t, resp["terminated"], int64(2))

	if len(env.sessions.Sessions) != 1 {
		t.Fatalf("stored sessions = %d, want 1", len(env.sessions.Sessions))
	}
	if _, ok := env.sessions.Sessions[current.ID]; !ok {
		t.Error("current session should survive logout-others")
	}
}

func terminateRequest(t *testing.T, userID, sessionID string) *http.Request {
	t.Helper()
	req := testutil.NewTestRequest(http.MethodDelete, "/api/v1/auth/sessions/"+sessionID, "203.0.113.7", "test-agent/1.0")
	req = req.WithContext(middleware.WithUserID(req.Context(), userID))

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", sessionID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestAuthHandler_TerminateSession(t *testing.T) {
	t.Run("owner_deletes_session", func(t *testing.T) {
		env := newHandlerTestEnv(t)
		user := env.addUser(t, "user-123", "alice", "correct horse battery")
		session := env.establishSession(t, user, "203.0.113.7")

		w := httptest.NewRecorder()
		env.handler.TerminateSession(w, terminateRequest(t, "user-123", session.ID))

		testutil.AssertStatusCode(t, w, http.StatusOK)
		if _, ok := env.sessions.Sessions[session.ID]; ok {
			t.Error("session should be deleted")
		}
	})

	t.Run("not_found", func(t *testing.T) {
		env := newHandlerTestEnv(t)

		w := httptest.NewRecorder()
		env.handler.TerminateSession(w, terminateRequest(t, "user-123", "no-such-session"))

		testutil.AssertStatusCode(t, w, http.StatusNotFound)
	})

	t.Run("wrong_owner", func(t *testing.T) {
		env := newHandlerTestEnv(t)
		owner := env.addUser(t, "user-123", "alice", "correct horse battery")
		session := env.establishSession(t, owner, "203.0.113.7")

		w := httptest.NewRecorder()
		env.handler.TerminateSession(w, terminateRequest(t, "user-999", session.ID))

		testutil.AssertStatusCode(t, w, http.StatusForbidden)
		if _, ok := env.sessions.Sessions[session.ID]; !ok {
			t.Error("session should not be deleted by a non-owner")
		}
	})
}

func TestAuthHandler_Me(t *testing.T) {
	env := newHandlerTestEnv(t)
	env.addUser(t, "user-123", "alice", "correct horse battery")

	req := testutil.NewTestRequest(http.MethodGet, "/api/v1/auth/me", "203.0.113.7", "test-agent/1.0")
	req = req.WithContext(middleware.WithUserID(req.Context(), "user-123"))
	w := httptest.NewRecorder()

	env.handler.Me(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[UserResponse](t, w)
	testutil.AssertEqual(t, resp.ID, "user-123")
	testutil.AssertEqual(t, resp.Username, "alice")
}

func TestAuthHandler_Me_UnknownUser(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := testutil.NewTestRequest(http.MethodGet, "/api/v1/auth/me", "203.0.113.7", "test-agent/1.0")
	req = req.WithContext(middleware.WithUserID(req.Context(), "ghost"))
	w := httptest.NewRecorder()

	env.handler.Me(w, req)

	testutil.AssertStatusCode(t, w, http.StatusNotFound)
}

func TestAuthHandler_Me_NoContext(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := testutil.NewTestRequest(http.MethodGet, "/api/v1/auth/me", "203.0.113.7", "test-agent/1.0")
	w := httptest.NewRecorder()

	env.handler.Me(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
}

func TestAuthHandler_CSRFToken(t *testing.T) {
	env := newHandlerTestEnv(t)
	user := env.addUser(t, "user-123", "alice", "correct horse battery")
	session := env.establishSession(t, user, "203.0.113.7")

	req := testutil.NewTestRequest(http.MethodGet, "/api/v1/auth/csrf", "203.0.113.7", "test-agent/1.0")
	req = req.WithContext(middleware.WithSession(req.Context(), session))
	w := httptest.NewRecorder()

	env.handler.CSRFToken(w, req)

	testutil.AssertStatusCode(t, w, http.StatusOK)
	resp := testutil.DecodeJSON[map[string]string](t, w)
	if !hexToken64.MatchString(resp["csrf_token"]) {
		t.Errorf("csrf_token = %q, want 64 hex characters", resp["csrf_token"])
	}
	if len(env.csrfRepo.Tokens) != 1 {
		t.Errorf("stored csrf tokens = %d, want 1", len(env.csrfRepo.Tokens))
	}
}

func TestAuthHandler_CSRFToken_NoSession(t *testing.T) {
	env := newHandlerTestEnv(t)

	req := testutil.NewTestRequest(http.MethodGet, "/api/v1/auth/csrf", "203.0.113.7", "test-agent/1.0")
	w := httptest.NewRecorder()

	env.handler.CSRFToken(w, req)

	testutil.AssertStatusCode(t, w, http.StatusUnauthorized)
}
