// Package kanri is the public API for embedding the Kanri agent governance
// server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kanri.New(
//	    kanri.WithVersion(version),
//	    kanri.WithLogger(logger),
//	    kanri.WithExecutor(myExecutor),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kanri (root) imports
// internal/*, but internal/* never imports kanri (root). Public types
// (ExecRequest, Outcome, Credentials) are standalone structs with no internal
// imports; the adapters that convert them live here because this is the only
// file that sees both sides of the boundary.
package kanri

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kanri/api"
	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/config"
	"github.com/ashita-ai/kanri/internal/cost"
	"github.com/ashita-ai/kanri/internal/executor"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/mcp"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/pricing"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/server"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/sqlite"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/internal/usage"
	"github.com/ashita-ai/kanri/migrations"
)

const (
	shutdownHTTPTimeout  = 15 * time.Second
	shutdownDrainTimeout = 30 * time.Second
)

// App is the Kanri server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	limiter      ratelimit.Limiter
	lifecycle    *lifecycle.Manager
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kanri server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.version == "" {
		o.version = "dev"
	}
	logger := o.logger

	// Load .env if present; real env vars take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	// Options override env before validation so an embedder can supply the
	// database URL without exporting it.
	if o.databaseURL != "" {
		_ = os.Setenv("DATABASE_URL", o.databaseURL)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kanri: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.pricingFile != "" {
		cfg.PricingFile = o.pricingFile
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry(o.version))
	if err != nil {
		return nil, fmt.Errorf("kanri: telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		if table, err = pricing.LoadFile(cfg.PricingFile); err != nil {
			_ = limiter.Close()
			_ = store.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("kanri: %w", err)
		}
		logger.Info("pricing table loaded", "path", cfg.PricingFile, "models", len(table.Models()))
	}
	estimator := cost.New(table)
	accountant := budget.New(store, estimator, clock.System{}, logger)
	auditLog := audit.New(store, logger)
	rollup := usage.New(store, logger)

	var exec lifecycle.Executor
	switch {
	case o.executor != nil:
		exec = executorAdapter{o.executor}
	case cfg.ExecutorURL != "":
		exec = executor.NewHTTPExecutor(cfg.ExecutorURL, cfg.ExecTimeout)
		logger.Info("http executor enabled", "url", cfg.ExecutorURL)
	default:
		logger.Info("no executor configured: runs complete through the callback endpoint")
	}

	var creds lifecycle.CredentialResolver
	if o.credentials != nil {
		creds = credentialAdapter{o.credentials}
	} else {
		creds = executor.NewStaticCredentials(cfg.ProviderKeys, cfg.DefaultProviderKey)
		logger.Info("provider credentials loaded", "providers", cfg.Providers())
	}

	lc, err := lifecycle.New(cfg.Lifecycle(), lifecycle.Deps{
		Store:       store,
		Limiter:     limiter,
		Budget:      accountant,
		Estimator:   estimator,
		Audit:       auditLog,
		Usage:       rollup,
		Executor:    exec,
		Credentials: creds,
		Clock:       clock.System{},
		Logger:      logger,
	})
	if err != nil {
		_ = limiter.Close()
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("kanri: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = limiter.Close()
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("kanri: jwt: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("no JWT keys configured: using an ephemeral key pair, tokens will not survive a restart")
	}

	adminKey, err := cfg.AdminKey()
	if err != nil {
		_ = limiter.Close()
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("kanri: admin key: %w", err)
	}
	if !adminKey.Enabled() {
		logger.Warn("no admin API key configured: token issuance is disabled")
	}

	mcpSrv := mcp.New(mcp.Deps{
		Lifecycle: lc,
		Budget:    accountant,
		Audit:     auditLog,
		Usage:     rollup,
		Logger:    logger,
		Version:   o.version,
	})

	mws := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		mws = append(mws, mw)
	}

	srv := server.New(server.ServerConfig{
		Lifecycle:           lc,
		Budget:              accountant,
		Audit:               auditLog,
		Usage:               rollup,
		Store:               store,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		AdminKey:            adminKey,
		Limiter:             limiter,
		RateRule:            cfg.HTTPRateRule(),
		MCPServer:           mcpSrv.MCPServer(),
		Middleware:          mws,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             o.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		limiter:      limiter,
		lifecycle:    lc,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
	}, nil
}

// Run starts the dispatcher, the stuck-run sweeper and the HTTP server, then
// blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("kanri starting", "version", a.version, "port", a.cfg.Port)

	if err := a.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("kanri: start lifecycle: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight handlers,
// (2) let running executor calls finish; queued runs stay pending for the
// next start. It then closes the limiter, the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kanri shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	a.lifecycle.Drain(drainCtx)
	drainCancel()

	if err := a.limiter.Close(); err != nil {
		a.logger.Warn("rate limiter close failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kanri stopped")
	return nil
}

// openStore picks Postgres when DATABASE_URL is set and SQLite otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.DatabaseURL == "" {
		st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("kanri: %w", err)
		}
		logger.Info("using sqlite store", "path", cfg.SQLitePath)
		return st, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("kanri: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kanri: migrations: %w", err)
	}
	db.RegisterPoolMetrics()
	return db, nil
}

// newLimiter uses Redis when REDIS_URL is set so every replica shares one
// counter; otherwise counters are per process.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		logger.Info("using in-memory rate limiter")
		return ratelimit.NewMemoryLimiter(clock.System{}), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("kanri: parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Keep going: rules decide fail-open or fail-closed per request.
		logger.Warn("redis ping failed at startup", "error", err)
	}
	logger.Info("using redis rate limiter", "addr", opts.Addr)
	return ratelimit.New(client, logger), nil
}

// executorAdapter bridges the public Executor to the lifecycle package.
type executorAdapter struct{ e Executor }

func (a executorAdapter) Execute(ctx context.Context, req lifecycle.ExecRequest) (lifecycle.Outcome, error) {
	out, err := a.e.Execute(ctx, toPublicExecRequest(req))
	if err != nil {
		return lifecycle.Outcome{}, err
	}
	return fromPublicOutcome(out), nil
}

// credentialAdapter bridges the public CredentialResolver to the lifecycle package.
type credentialAdapter struct{ r CredentialResolver }

func (a credentialAdapter) Resolve(ctx context.Context, principalID, provider string) (lifecycle.Credentials, error) {
	c, err := a.r.Resolve(ctx, principalID, provider)
	if err != nil {
		return lifecycle.Credentials{}, err
	}
	return lifecycle.Credentials{APIKey: c.APIKey}, nil
}

func toPublicExecRequest(r lifecycle.ExecRequest) ExecRequest {
	return ExecRequest{
		RunID:       r.RunID,
		PrincipalID: r.PrincipalID,
		Model:       r.Model,
		Provider:    r.Provider,
		Input:       r.Input,
		Temperature: r.Temperature,
		Credentials: Credentials{APIKey: r.Credentials.APIKey},
	}
}

func fromPublicOutcome(o Outcome) lifecycle.Outcome {
	return lifecycle.Outcome{
		Status:    model.RunStatus(o.Status),
		ModelUsed: o.ModelUsed,
		Usage: model.TokenUsage{
			PromptTokens:     o.Usage.PromptTokens,
			CompletionTokens: o.Usage.CompletionTokens,
			TotalTokens:      o.Usage.TotalTokens,
		},
		CostUSD:      o.CostUSD,
		OutputText:   o.OutputText,
		ErrorMessage: o.ErrorMessage,
	}
}
