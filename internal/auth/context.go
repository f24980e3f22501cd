// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Provides WithAuth/FromContext and the actor name written to the audit log

package auth

import (
	"context"
)

// Authentication methods.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api-key"
)

// AnonymousActor names callers when authentication is disabled.
const AnonymousActor = "anonymous"

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string // JWT subject, or MethodAPIKey for key callers
	Method  string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// Actor returns the caller name for audit records.
func Actor(ctx context.Context) string {
	if a := FromContext(ctx); a != nil && a.Subject != "" {
		return a.Subject
	}
	return AnonymousActor
}
