// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read JWT claims
// from the context that server's auth middleware populates. Both packages
// import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/kanri/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// PrincipalFromContext returns the authenticated principal id, or "".
func PrincipalFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.PrincipalID
	}
	return ""
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
