package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"canvas-cms/internal/observability"
	"canvas-cms/internal/security"
)

// CSRF validates single-use CSRF tokens on state-changing requests.
//
// Flow:
// 1. Skip for safe HTTP methods (GET, HEAD, OPTIONS)
// 2. Skip for endpoints that cannot carry a session yet (login, health, metrics)
// 3. Extract the token from form data or headers
// 4. Validate against the most recent token stored for the session
// 5. Reject with 403 on any failure
//
// A successful validation consumes the token, so a replacement is issued and
// returned in the X-CSRF-Token response header for the client's next request.
//
// Token sources (checked in order):
// - Form field: csrf_token
// - Header: X-CSRF-Token
// - Header: X-XSRF-Token (alternate)
func CSRF(csrf *security.CSRFManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			// Session placed in context by the Auth middleware.
			session, ok := GetSession(r.Context())
			if !ok {
				http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
				return
			}

			submitted := extractCSRFToken(r)
			if submitted == "" {
				logCSRFFailure(r, session.UserID, "missing token")
				http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
				return
			}

			valid, err := csrf.Validate(r.Context(), session.ID, submitted)
			if err != nil {
				// Fail closed: without the store we cannot prove the
				// token was not already used.
				slog.Error("csrf validation error",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()))
				http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
				return
			}
			if !valid {
				logCSRFFailure(r, session.UserID, "invalid token")
				http.Error(w, `{"error":"Forbidden"}`, http.StatusForbidden)
				return
			}

			// The matched token is consumed; hand out its successor.
			replacement, err := csrf.Issue(r.Context(), session.ID)
			if err != nil {
				slog.Error("failed to issue replacement csrf token",
					slog.String("session_id", session.ID),
					slog.String("error", err.Error()))
			} else {
				w.Header().Set("X-CSRF-Token", replacement)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod returns true if the HTTP method is idempotent and cacheable.
// These methods should not modify state and don't require CSRF tokens.
func isSafeMethod(method string) bool {
	return method == http.MethodGet ||
		method == http.MethodHead ||
		method == http.MethodOptions
}

// isExemptPath returns true if the request path should skip CSRF validation.
func isExemptPath(path string) bool {
	exemptPaths := []string{
		"/health",
		"/metrics",
		"/api/v1/auth/login",
	}

	for _, exemptPath := range exemptPaths {
		if strings.HasPrefix(path, exemptPath) {
			return true
		}
	}
	return false
}

// extractCSRFToken extracts the CSRF token from the request.
// Checks sources in order: form data, X-CSRF-Token header, X-XSRF-Token header.
func extractCSRFToken(r *http.Request) string {
	// Check form data (for traditional HTML form submissions)
	token := r.FormValue("csrf_token")
	if token != "" {
		return token
	}

	// Check X-CSRF-Token header (for AJAX/API requests)
	token = r.Header.Get("X-CSRF-Token")
	if token != "" {
		return token
	}

	// Check X-XSRF-Token header (alternate header name)
	return r.Header.Get("X-XSRF-Token")
}

// logCSRFFailure logs a security event when CSRF validation fails.
// Useful for monitoring and detecting potential CSRF attacks.
func logCSRFFailure(r *http.Request, userID, reason string) {
	observability.CSRFFailures.Inc()
	slog.Warn("CSRF validation failed",
		slog.String("user_id", userID),
		slog.String("reason", reason),
		slog.String("method", r.Method),
		slog.String("path", r.RequestURI),
		slog.String("ip_hash", security.HashIP(security.ClientIP(r))),
	)
}
