package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/middleware"
	"canvas-cms/internal/ratelimit"
	"canvas-cms/internal/security"
	"canvas-cms/internal/service"

	"github.com/go-chi/chi/v5"
)

// AuthHandler handles the authentication endpoints
type AuthHandler struct {
	authService    *service.AuthService
	sessionService *service.SessionService
	csrf           *security.CSRFManager
	secureCookies  bool
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(authService *service.AuthService, sessionService *service.SessionService, csrf *security.CSRFManager, secureCookies bool) *AuthHandler {
	return &AuthHandler{
		authService:    authService,
		sessionService: sessionService,
		csrf:           csrf,
		secureCookies:  secureCookies,
	}
}

// LoginRequest represents login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse represents the identity returned after login
type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginResponse represents login response
type LoginResponse struct {
	Success   bool         `json:"success"`
	User      UserResponse `json:"user"`
	CSRFToken string       `json:"csrf_token,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Login authenticates credentials and establishes a session. The bearer
// token travels only as an HttpOnly cookie; the CSRF token is returned in
// the body for the client to present on state-changing requests.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"Invalid request body"}`, http.StatusBadRequest)
		return
	}

	client := security.ClientContextFromRequest(r)

	session, user, err := h.authService.Login(r.Context(), req.Username, req.Password, client)
	if err != nil {
		if rle, ok := service.IsRateLimited(err); ok {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(rle.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rle.ResetAt.Unix(), 10))
			w.Header().Set("Retry-After", ratelimit.RetryAfter(rle.ResetAt))
			http.Error(w, `{"error":"Too many attempts"}`, http.StatusTooManyRequests)
			return
		}
		// Uniform failure: unknown username and wrong password are
		// indistinguishable to the caller.
		http.Error(w, `{"error":"Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	middleware.SetSessionCookie(w, session.Token, session.ExpiresAt, h.secureCookies)

	csrfToken, err := h.csrf.Issue(r.Context(), session.ID)
	if err != nil {
		// Login stands; the client can fetch a token from /auth/csrf.
		slog.Error("failed to issue csrf token on login",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
	}

	resp := LoginResponse{
		Success: true,
		User: UserResponse{
			ID:       user.ID,
			Username: user.Username,
			Email:    user.Email,
		},
		CSRFToken: csrfToken,
		ExpiresAt: session.ExpiresAt,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Logout deletes the caller's session record and clears the cookie. The
// bearer token stops resolving immediately even though its signature stays
// valid until expiry.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	if err := h.authService.Logout(r.Context(), session.Token); err != nil {
		slog.Error("logout failed",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"Logout failed"}`, http.StatusInternalServerError)
		return
	}

	if err := h.csrf.Revoke(r.Context(), session.ID); err != nil {
		slog.Error("failed to revoke csrf tokens",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
	}

	middleware.ClearSessionCookie(w, h.secureCookies)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// LogoutOthers terminates every other session of the caller ("log out
// everywhere else").
func (h *AuthHandler) LogoutOthers(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	count, err := h.authService.LogoutOthers(r.Context(), session.UserID, session.Token)
	if err != nil {
		slog.Error("failed to terminate other sessions",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"Operation failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"terminated": count})
}

// TerminateSession deletes a session by id. Only the owner may do so.
func (h *AuthHandler) TerminateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	sessionID := chi.URLParam(r, "id")

	err := h.sessionService.Terminate(r.Context(), sessionID, userID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		http.Error(w, `{"error":"Session not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrNotSessionOwner):
		http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, `{"error":"Operation failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// Me returns the identity behind the caller's session.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	user, err := h.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error":"User not found"}`, http.StatusNotFound)
		return
	}

	resp := UserResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// CSRFToken issues a fresh CSRF token for the caller's session. Used after a
// page reload when the client lost the one from login or the last response
// header.
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
		return
	}

	token, err := h.csrf.Issue(r.Context(), session.ID)
	if err != nil {
		slog.Error("failed to issue csrf token",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()))
		http.Error(w, `{"error":"Operation failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}
