package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
)

// ErrAuthFailed is returned when a required token is missing or wrong
var ErrAuthFailed = errors.New("authentication failed")

// Gate checks a presented token against a shared secret
type Gate struct {
	// Required turns the check on
	Required bool

	// Secret is the expected token
	Secret string
}

// NewGate creates a gate. A required gate without a secret lets every
// caller through and says so once at startup.
func NewGate(required bool, secret string) *Gate {
	if required && secret == "" {
		log.Printf("[auth] WARNING: authentication required but no API key configured, allowing all callers")
	}
	return &Gate{Required: required, Secret: secret}
}

// Enabled reports whether tokens are actually compared
func (g *Gate) Enabled() bool {
	return g != nil && g.Required && g.Secret != ""
}

// Check validates token. It returns nil when the gate is disabled.
func (g *Gate) Check(token string) error {
	if !g.Enabled() {
		return nil
	}
	if token == "" {
		return ErrAuthFailed
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.Secret)) != 1 {
		return ErrAuthFailed
	}
	return nil
}

// TokenFromRequest returns the caller's token from the token query
// parameter, the X-API-Key header, or an Authorization header. A "Bearer "
// prefix is stripped.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token := r.Header.Get("X-API-Key"); token != "" {
		return token
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return authHeader
}

// Authenticate checks the token carried by r
func (g *Gate) Authenticate(r *http.Request) error {
	return g.Check(TokenFromRequest(r))
}

// RequireAuth wraps an http.Handler and requires valid authentication
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Authenticate(r); err != nil {
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Unauthorized writes the 401 challenge response
func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="API"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Unauthorized",
		"message": "Valid API key required. Set X-API-Key header.",
	})
}
