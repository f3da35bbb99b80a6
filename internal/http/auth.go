package http

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
)

const (
	loginTTL      = 24 * time.Hour
	sessionCookie = "hybridmem_session"
)

// extractBearerToken extracts a bearer token from the Authorization header.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

// tokenMatch performs a constant-time comparison of a provided token against the expected token.
// Returns false if expected is empty.
func tokenMatch(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// Authenticator accepts either the static gateway token or a login token
// issued by Login. With neither a token nor credentials configured, every
// request is allowed.
type Authenticator struct {
	token    string
	username string
	password string

	mu       sync.Mutex
	sessions map[string]time.Time // login token -> expiry
	now      func() time.Time
}

// NewAuthenticator creates an authenticator from the gateway config.
func NewAuthenticator(cfg config.GatewayConfig) *Authenticator {
	return &Authenticator{
		token:    cfg.Token,
		username: cfg.Username,
		password: cfg.Password,
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Open reports whether no authentication is configured.
func (a *Authenticator) Open() bool {
	return a.token == "" && !a.loginEnabled()
}

func (a *Authenticator) loginEnabled() bool {
	return a.username != "" && a.password != ""
}

// Login checks credentials and issues a login token.
func (a *Authenticator) Login(username, password string) (string, bool) {
	if !a.loginEnabled() {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		slog.Warn("security.login_failed", "username", username)
		return "", false
	}

	token := uuid.NewString()
	a.mu.Lock()
	a.pruneLocked()
	a.sessions[token] = a.now().Add(loginTTL)
	a.mu.Unlock()
	return token, true
}

// Logout drops a login token.
func (a *Authenticator) Logout(token string) {
	a.mu.Lock()
	delete(a.sessions, token)
	a.mu.Unlock()
}

// Allowed reports whether the request carries a valid credential.
func (a *Authenticator) Allowed(r *http.Request) bool {
	if a.Open() {
		return true
	}
	provided := requestToken(r)
	if provided == "" {
		return false
	}
	if tokenMatch(provided, a.token) {
		return true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.sessions[provided]
	if !ok {
		return false
	}
	if a.now().After(exp) {
		delete(a.sessions, provided)
		return false
	}
	return true
}

func (a *Authenticator) pruneLocked() {
	now := a.now()
	for tok, exp := range a.sessions {
		if now.After(exp) {
			delete(a.sessions, tok)
		}
	}
}

// requestToken returns the bearer token, or the session cookie set by login.
func requestToken(r *http.Request) string {
	if tok := extractBearerToken(r); tok != "" {
		return tok
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func (a *Authenticator) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r) {
			slog.Warn("security.unauthorized", "path", r.URL.Path, "remote", clientIP(r))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}
