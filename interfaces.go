package kanri

import (
	"context"
	"net/http"
)

// Executor performs the provider call for a run.
// When provided via WithExecutor, replaces the HTTP executor configured by
// KANRI_EXECUTOR_URL. Returning an error means the call itself failed; a
// provider-side failure is an Outcome with RunStatusError.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (Outcome, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (Outcome, error) {
	return f(ctx, req)
}

// CredentialResolver looks up provider credentials for a principal.
// When provided via WithCredentialResolver, replaces the static resolver
// built from KANRI_PROVIDER_KEY_<PROVIDER> variables. Per-principal keys
// (a vault, a secrets manager) plug in here.
type CredentialResolver interface {
	Resolve(ctx context.Context, principalID, provider string) (Credentials, error)
}

// Middleware wraps the authenticated API handler.
// It runs after authentication, so the principal is available on the
// request context. Use for custom logging, headers or policy checks.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
