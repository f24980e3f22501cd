// ABOUTME: HTTP middleware authenticating API requests
// ABOUTME: Accepts a Bearer JWT or an X-API-Key header and adds the caller to the context

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/waypost/internal/config"
)

// APIKeyHeader carries a static API key.
const APIKeyHeader = "X-API-Key"

// Authenticator checks request credentials. A zero Authenticator admits everyone.
type Authenticator struct {
	tokens TokenVerifier
	keys   *APIKeyChecker
}

// NewAuthenticator builds an Authenticator from configuration.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{}
	if cfg.JWTSecret != "" {
		v, err := NewJWTVerifier([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, err
		}
		a.tokens = v
	}
	if cfg.APIKeyHash != "" {
		k, err := NewAPIKeyChecker(cfg.APIKeyHash)
		if err != nil {
			return nil, err
		}
		a.keys = k
	}
	return a, nil
}

// Enabled reports whether any credential is required.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.tokens != nil || a.keys != nil)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// authenticate returns the caller or an error message.
func (a *Authenticator) authenticate(r *http.Request) (*AuthContext, string) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		if a.keys == nil {
			return nil, "api keys are not accepted"
		}
		if err := a.keys.Check(key); err != nil {
			return nil, "invalid api key"
		}
		return &AuthContext{Subject: MethodAPIKey, Method: MethodAPIKey}, ""
	}

	if a.tokens == nil {
		return nil, "missing api key"
	}
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		return nil, errMsg
	}
	subject, err := a.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil, "token expired"
		}
		return nil, "invalid token"
	}
	return &AuthContext{Subject: subject, Method: MethodJWT}, ""
}

// Middleware rejects unauthenticated requests with 401 when auth is enabled.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, errMsg := a.authenticate(r)
		if errMsg != "" {
			writeUnauthorized(w, errMsg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="waypost"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
