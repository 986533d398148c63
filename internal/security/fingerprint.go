package security

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const (
	// UnknownIP is reported when no client address can be derived
	UnknownIP = "unknown"

	fingerprintLen = 32
	ipHashLen      = 16
)

// ClientContext carries the binding signals derived from a request. It is a
// pure function of the request headers and is always populated, degrading to
// stable placeholder values when headers are missing.
type ClientContext struct {
	IP          string
	IPHash      string
	Fingerprint string
	UserAgent   string
}

// ClientContextFromRequest extracts the client identity signals used to bind
// bearer tokens to the requesting device.
func ClientContextFromRequest(r *http.Request) ClientContext {
	ip := ClientIP(r)
	return ClientContext{
		IP:          ip,
		IPHash:      HashIP(ip),
		Fingerprint: DeviceFingerprint(r),
		UserAgent:   r.Header.Get("User-Agent"),
	}
}

// ClientIP resolves the client address: first X-Forwarded-For entry, then
// X-Real-IP, then the connection's remote address, then "unknown".
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return UnknownIP
}

// DeviceFingerprint derives a deterministic fixed-length signature from the
// headers a browser sends consistently across requests.
func DeviceFingerprint(r *http.Request) string {
	seed := strings.Join([]string{
		r.Header.Get("User-Agent"),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	}, "|")

	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

// HashIP returns a truncated one-way hash of an IP address. Tokens and logs
// carry the hash, never the raw address.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:ipHashLen]
}
