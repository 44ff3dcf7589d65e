package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/usage"
)

// Server is the kanri HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, OpenAPISpec, Middleware.
type ServerConfig struct {
	// Required dependencies.
	Lifecycle *lifecycle.Manager
	Budget    *budget.Accountant
	Audit     *audit.Log
	Usage     *usage.Rollup
	Store     Pinger
	JWTMgr    *auth.JWTManager
	Logger    *slog.Logger

	// AdminKey is the admin API key digest accepted by POST /auth/token.
	// The zero value disables token issuance.
	AdminKey auth.AdminKey

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	RateRule  ratelimit.Rule
	MCPServer *mcpserver.MCPServer

	// Middleware wraps the authenticated API, innermost last. Embedders use
	// it for extra logging, headers or policy checks.
	Middleware []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Lifecycle:           cfg.Lifecycle,
		Budget:              cfg.Budget,
		Audit:               cfg.Audit,
		Usage:               cfg.Usage,
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		AdminKey:            cfg.AdminKey,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Rate limit refusals share the quota response of run admission.
	deny := func(w http.ResponseWriter, r *http.Request, err *model.QuotaExceededError) {
		h.writeServiceError(w, r, err)
	}

	// A zero limit disables the API rate limit; run admission is limited
	// separately by the lifecycle manager.
	var limiter ratelimit.Limiter
	if cfg.RateRule.Limit > 0 {
		limiter = cfg.Limiter
	}
	apiRL := ratelimit.Guard{
		Limiter: limiter,
		Rule:    cfg.RateRule,
		Key:     ratelimit.PrincipalKeyFunc(principal),
		Deny:    deny,
	}.Wrap
	authRL := ratelimit.Guard{
		Limiter: limiter,
		Rule:    ratelimit.Rule{Prefix: "auth", Limit: 20, Window: time.Minute},
		Key:     ratelimit.IPKeyFunc,
		Deny:    deny,
	}.Wrap

	read := func(fn http.HandlerFunc) http.Handler {
		return apiRL(requireRole(model.RoleReader)(fn))
	}
	write := func(fn http.HandlerFunc) http.Handler {
		return apiRL(requireRole(model.RoleOperator)(fn))
	}

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Agents.
	mux.Handle("POST /v1/agents", write(h.HandleCreateAgent))
	mux.Handle("GET /v1/agents", read(h.HandleListAgents))
	mux.Handle("GET /v1/agents/{agent_id}", read(h.HandleGetAgent))
	mux.Handle("PUT /v1/agents/{agent_id}/budget", write(h.HandleUpdateBudget))
	mux.Handle("POST /v1/agents/{agent_id}/kill", write(h.HandleKillAgent))
	mux.Handle("POST /v1/agents/{agent_id}/resume", write(h.HandleResumeAgent))
	mux.Handle("GET /v1/agents/{agent_id}/budget", read(h.HandleAgentBudget))
	mux.Handle("GET /v1/agents/{agent_id}/runs", read(h.HandleListAgentRuns))
	mux.Handle("GET /v1/budget", read(h.HandleBudgetOverview))

	// Runs.
	mux.Handle("POST /v1/runs", write(h.HandleStartRun))
	mux.Handle("GET /v1/runs/{run_id}", read(h.HandleGetRun))
	mux.Handle("POST /v1/runs/{run_id}/complete", write(h.HandleCompleteRun))
	mux.Handle("POST /v1/runs/{run_id}/cancel", write(h.HandleCancelRun))

	// Audit and usage.
	mux.Handle("GET /v1/audit", read(h.HandleListAudit))
	mux.Handle("GET /v1/usage/daily", read(h.HandleDailyUsage))

	// MCP StreamableHTTP transport (auth required, reader+).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", apiRL(requireRole(model.RoleReader)(mcpHTTP)))
	}

	// OpenAPI spec and health (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → logging → tracing → auth → custom → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = tracingMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
