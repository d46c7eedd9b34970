// Package authcontext carries the authenticated identity of a request
// through the context, from the authentication middleware to handlers.
package authcontext

import (
	"context"
)

type ctxKey string

const authClaimsContextKey = ctxKey("auth-claims")

// AuthClaims is the identity an authenticator established for the caller.
// For OIDC the fields map onto the standard ID token claims; for preshared
// keys only Subject is set.
type AuthClaims struct {
	Subject  string
	Scopes   map[string]bool
	ClientID string
}

// ContextWithAuthClaims returns a child of parent carrying claims.
func ContextWithAuthClaims(parent context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(parent, authClaimsContextKey, claims)
}

// AuthClaimsFromContext reports the claims stored in ctx, if any.
func AuthClaimsFromContext(ctx context.Context) (*AuthClaims, bool) {
	claims, ok := ctx.Value(authClaimsContextKey).(*AuthClaims)
	if !ok {
		return nil, false
	}

	return claims, true
}
