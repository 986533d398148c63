package security

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"canvas-cms/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenIssuer identifies this application in issued claims
	TokenIssuer = "canvas-cms"
	// TokenAudience identifies the admin surface tokens are issued for
	TokenAudience = "canvas-cms-admin"

	// TokenLifetime is the fixed lifetime of an issued bearer token
	TokenLifetime = 2 * time.Hour
	// RenewalThreshold marks a token as near-expiry and due for renewal
	RenewalThreshold = 30 * time.Minute

	// SecurityLevelEnhanced tags tokens carrying binding claims
	SecurityLevelEnhanced = "enhanced"
	// SecurityLevelLegacy tags tokens without binding claims
	SecurityLevelLegacy = "legacy"

	minSecretLength = 32
)

// Verification reasons returned to callers. These are machine-readable and
// intentionally coarse; nothing finer leaks past the core boundary.
const (
	ReasonExpired         = "expired"
	ReasonInvalid         = "invalid"
	ReasonBindingMismatch = "binding_mismatch"
)

// ErrWeakSecret is returned when the signing secret is absent or too short.
// Callers must treat this as fatal at startup.
var ErrWeakSecret = fmt.Errorf("token signing secret must be at least %d bytes", minSecretLength)

// Claims is the bearer token claim set. Binding claims are omitted on tokens
// issued under the legacy scheme; verification only checks them when present.
type Claims struct {
	Username      string `json:"username"`
	Email         string `json:"email"`
	IPHash        string `json:"ip_hash,omitempty"`
	Fingerprint   string `json:"fingerprint,omitempty"`
	SecurityLevel string `json:"security_level,omitempty"`
	jwt.RegisteredClaims
}

// Verification is the result of verifying a bearer token against the current
// request. A token is never trusted on Valid alone; the session manager still
// cross-checks the server-side record.
type Verification struct {
	Valid             bool
	Claims            *Claims
	SecurityLevel     string
	NeedsRenewal      bool
	SecurityViolation bool
	Reason            string
}

// TokenCodec signs and verifies bearer tokens with a symmetric secret
// injected once at construction. It never reads process environment.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
}

// NewTokenCodec creates a codec from the configured signing secret.
// A missing or short secret is rejected so startup can abort.
func NewTokenCodec(secret string) (*TokenCodec, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}
	return &TokenCodec{
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

// Issue builds and signs a token bound to the requesting client.
func (c *TokenCodec) Issue(user *domain.User, client ClientContext) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(TokenLifetime)

	claims := &Claims{
		Username:      user.Username,
		Email:         user.Email,
		IPHash:        client.IPHash,
		Fingerprint:   client.Fingerprint,
		SecurityLevel: SecurityLevelEnhanced,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    TokenIssuer,
			Audience:  jwt.ClaimStrings{TokenAudience},
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify checks signature and standard claims, then re-derives the current
// request's binding signals and compares them to the token's. A binding
// mismatch on a well-signed token is a security violation: it models replay
// of a stolen token from a different client.
func (c *TokenCodec) Verify(tokenString string, client ClientContext) Verification {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return c.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithTimeFunc(c.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// Routine; the client simply needs to log in again.
			return Verification{Reason: ReasonExpired}
		}
		slog.Warn("token signature verification failed",
			slog.String("reason", err.Error()))
		return Verification{Reason: ReasonInvalid}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Verification{Reason: ReasonInvalid}
	}

	level := SecurityLevelEnhanced
	if claims.IPHash == "" && claims.Fingerprint == "" {
		// Pre-binding token shape: signature and expiry are the only checks.
		level = SecurityLevelLegacy
	} else if claims.IPHash != client.IPHash || claims.Fingerprint != client.Fingerprint {
		slog.Warn("token binding mismatch",
			slog.String("subject", claims.Subject),
			slog.String("token_ip_hash", claims.IPHash),
			slog.String("request_ip_hash", client.IPHash),
			slog.String("token_id", claims.ID))
		return Verification{
			SecurityViolation: true,
			Reason:            ReasonBindingMismatch,
		}
	}

	remaining := claims.ExpiresAt.Time.Sub(c.now())

	return Verification{
		Valid:         true,
		Claims:        claims,
		SecurityLevel: level,
		NeedsRenewal:  remaining < RenewalThreshold,
	}
}
