package kanri

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	pricingFile string
	logger      *slog.Logger
	version     string
	executor    Executor
	credentials CredentialResolver
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (KANRI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithPricingFile loads the model pricing table from a YAML file instead of
// the built-in defaults (KANRI_PRICING_FILE env var).
func WithPricingFile(path string) Option {
	return func(o *resolvedOptions) { o.pricingFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExecutor sets the component that performs provider calls.
// Without an executor and without KANRI_EXECUTOR_URL, runs stay running until
// an external worker reports them through POST /v1/runs/{run_id}/complete.
func WithExecutor(e Executor) Option {
	return func(o *resolvedOptions) { o.executor = e }
}

// WithCredentialResolver replaces the env-backed provider key lookup.
func WithCredentialResolver(r CredentialResolver) Option {
	return func(o *resolvedOptions) { o.credentials = r }
}

// WithMiddleware registers an HTTP middleware around the authenticated API.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
