package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"canvas-cms/internal/domain"
	"canvas-cms/internal/observability"
	"canvas-cms/internal/security"
	"canvas-cms/internal/service"
)

type contextKey string

const (
	UserIDKey  contextKey = "user_id"
	SessionKey contextKey = "session"
)

// SessionCookieName is the bearer token cookie set on login and renewal.
const SessionCookieName = "cms_session"

// Auth validates the bearer cookie against both the token signature and the
// live session record. When validation reports the token is near expiry, the
// session is renewed in place and the replacement cookie rides this response.
// All failures produce the same generic 401; callers learn nothing about why.
func Auth(sessions *service.SessionService, secureCookies bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil {
				http.Error(w, `{"error":"Not authenticated"}`, http.StatusUnauthorized)
				return
			}

			client := security.ClientContextFromRequest(r)
			v := sessions.Validate(r.Context(), cookie.Value, client)
			if !v.Valid {
				http.Error(w, `{"error":"Invalid or expired session"}`, http.StatusUnauthorized)
				return
			}

			if v.NeedsRenewal {
				newToken, expiresAt, err := sessions.Renew(r.Context(), v.Session, v.Claims, client)
				if err != nil {
					// The current session is still valid; renewal can
					// succeed on a later request.
					slog.Error("session renewal failed",
						slog.String("session_id", v.Session.ID),
						slog.String("error", err.Error()))
				} else {
					SetSessionCookie(w, newToken, expiresAt, secureCookies)
					v.Session.Token = newToken
				}
			}

			ctx := context.WithValue(r.Context(), UserIDKey, v.Session.UserID)
			ctx = context.WithValue(ctx, SessionKey, v.Session)
			ctx = observability.WithUserID(ctx, v.Session.UserID)
			ctx = observability.WithSessionID(ctx, v.Session.ID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetSessionCookie writes the bearer cookie with the attributes every issue
// and renewal must share.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookie expires the bearer cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

func GetSession(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.Session)
	return session, ok
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func WithSession(ctx context.Context, session *domain.Session) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}
