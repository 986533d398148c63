//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var clientSeq atomic.Int64

// TestClient drives the auth API as a single browser would: one client
// address, one user agent, the session cookie and the current CSRF token
// carried between requests. Each client gets a distinct forwarded address so
// per-IP rate limit state never bleeds between tests.
type TestClient struct {
	http         *http.Client
	t            *testing.T
	ForwardedFor string
	UserAgent    string
	SessionToken string
	CSRFToken    string
}

// NewTestClient creates a new test client with a unique client address
func NewTestClient(t *testing.T) *TestClient {
	t.Helper()
	n := clientSeq.Add(1)
	return &TestClient{
		http:         &http.Client{Timeout: 30 * time.Second},
		t:            t,
		ForwardedFor: fmt.Sprintf("10.%d.%d.%d", n/65000, (n/250)%250, n%250+1),
		UserAgent:    fmt.Sprintf("e2e-agent/%d", n),
	}
}

// Do issues a request with the client's identity attached and captures any
// session cookie or replacement CSRF token from the response.
func (c *TestClient) Do(method, path string, body any) (*http.Response, []byte, error) {
	c.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("X-Forwarded-For", c.ForwardedFor)
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.SessionToken != "" {
		req.AddCookie(&http.Cookie{Name: "cms_session", Value: c.SessionToken})
	}
	if c.CSRFToken != "" && method != http.MethodGet && method != http.MethodHead {
		req.Header.Set("X-CSRF-Token", c.CSRFToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "cms_session" {
			if cookie.MaxAge < 0 {
				c.SessionToken = ""
			} else {
				c.SessionToken = cookie.Value
			}
		}
	}
	if replacement := resp.Header.Get("X-CSRF-Token"); replacement != "" {
		c.CSRFToken = replacement
	}

	return resp, respBody, nil
}

type loginResult struct {
	Success bool `json:"success"`
	User    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"user"`
	CSRFToken string    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login authenticates the client and stores the session cookie and the
// CSRF token from the response
func (c *TestClient) Login(username, password string) (*http.Response, *loginResult, error) {
	c.t.Helper()

	resp, body, err := c.Do(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return resp, nil, nil
	}

	var result loginResult
	if err := json.Unmarshal(body, &result); err != nil {
		return resp, nil, fmt.Errorf("failed to parse login response: %w", err)
	}
	c.CSRFToken = result.CSRFToken

	return resp, &result, nil
}

// MustLogin fails the test if login does not succeed
func (c *TestClient) MustLogin(username, password string) *loginResult {
	c.t.Helper()

	resp, result, err := c.Login(username, password)
	assertNoError(c.t, err, "login request should not error")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login returned status %d, want 200", resp.StatusCode)
	}
	return result
}

// seedUser inserts a user directly; the API has no public registration
func seedUser(t *testing.T, username, password string) string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	assertNoError(t, err, "bcrypt hash should not fail")

	var id string
	err = testDB.QueryRow(
		`INSERT INTO users (username, email, password_hash) VALUES ($1, $2, $3) RETURNING id`,
		username, username+"@example.com", string(hash),
	).Scan(&id)
	assertNoError(t, err, "user insert should not fail")

	return id
}

// sessionIDForToken resolves the session row id behind a bearer token
func sessionIDForToken(t *testing.T, token string) string {
	t.Helper()

	var id string
	err := testDB.QueryRow(`SELECT id FROM sessions WHERE token = $1`, token).Scan(&id)
	assertNoError(t, err, "session lookup should not fail")
	return id
}

// forceNearExpiry rewrites the session record expiry so the next validated
// request crosses the renewal threshold
func forceNearExpiry(t *testing.T, token string) {
	t.Helper()

	_, err := testDB.Exec(
		`UPDATE sessions SET expires_at = NOW() + interval '10 minutes' WHERE token = $1`,
		token,
	)
	assertNoError(t, err, "session expiry update should not fail")
}

func uniqueUsername(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano()%1_000_000_000)
}

func assertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func assertStatus(t *testing.T, resp *http.Response, want int, msg string) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s: got status %d, want %d", msg, resp.StatusCode, want)
	}
}

func assertEqual[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", msg, got, want)
	}
}
