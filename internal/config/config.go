// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// ProviderKeyPrefix marks env vars holding per-provider credentials, e.g.
// KANRI_PROVIDER_KEY_OPENAI.
const ProviderKeyPrefix = "KANRI_PROVIDER_KEY_"

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Storage. DatabaseURL wins when both are set.
	DatabaseURL string
	SQLitePath  string

	// Redis settings. Empty selects the in-process limiter.
	RedisURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// AdminAPIKey is exchanged for principal tokens at /auth/token.
	// AdminAPIKeyDigest is the same key as produced by
	// `kanrictl keys admin-digest`; set one or the other.
	AdminAPIKey       string
	AdminAPIKeyDigest string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
	SampleRatio  float64 // Fraction of root traces kept, 0..1.

	// HTTP rate limit, applied per principal (or client IP before auth).
	HTTPRateLimit      int
	HTTPRateWindow     time.Duration
	HTTPRateFailClosed bool

	// Run lifecycle.
	Workers            int
	QueueSize          int
	ExecTimeout        time.Duration
	RunStartLimit      int
	RunStartWindow     time.Duration
	RunStartFailClosed bool
	StuckRunTimeout    time.Duration
	SweepSchedule      string

	// Executor and credentials.
	ExecutorURL        string
	ProviderKeys       map[string]string // lowercased provider -> key
	DefaultProviderKey string

	// PricingFile overrides the built-in pricing table (YAML).
	PricingFile string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed value is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	integer := func(key string, def int) int { return collect(&errs, envInt, key, def) }
	boolean := func(key string, def bool) bool { return collect(&errs, envBool, key, def) }
	float := func(key string, def float64) float64 { return collect(&errs, envFloat, key, def) }
	duration := func(key string, def time.Duration) time.Duration { return collect(&errs, envDuration, key, def) }

	lc := lifecycle.DefaultConfig()
	cfg := Config{
		Port:                integer("KANRI_PORT", 8080),
		ReadTimeout:         duration("KANRI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("KANRI_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(integer("KANRI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		DatabaseURL:         str("DATABASE_URL", ""),
		SQLitePath:          str("KANRI_SQLITE_PATH", ""),
		RedisURL:            str("REDIS_URL", ""),
		JWTPrivateKeyPath:   str("KANRI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    str("KANRI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       duration("KANRI_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:         str("KANRI_ADMIN_API_KEY", ""),
		AdminAPIKeyDigest:   str("KANRI_ADMIN_API_KEY_DIGEST", ""),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "kanri"),
		SampleRatio:         float("KANRI_TRACE_SAMPLE_RATIO", 1),
		HTTPRateLimit:       integer("KANRI_RATE_LIMIT", 600),
		HTTPRateWindow:      duration("KANRI_RATE_LIMIT_WINDOW", time.Minute),
		HTTPRateFailClosed:  boolean("KANRI_RATE_LIMIT_FAIL_CLOSED", false),
		Workers:             integer("KANRI_WORKERS", lc.Workers),
		QueueSize:           integer("KANRI_QUEUE_SIZE", lc.QueueSize),
		ExecTimeout:         duration("KANRI_EXEC_TIMEOUT", lc.ExecTimeout),
		RunStartLimit:       integer("KANRI_RUN_START_LIMIT", lc.RunStartLimit),
		RunStartWindow:      duration("KANRI_RUN_START_WINDOW", lc.RunStartWindow),
		RunStartFailClosed:  boolean("KANRI_RUN_START_FAIL_CLOSED", lc.RunStartFailClosed),
		StuckRunTimeout:     duration("KANRI_STUCK_RUN_TIMEOUT", lc.StuckRunTimeout),
		SweepSchedule:       str("KANRI_SWEEP_SCHEDULE", lc.SweepSchedule),
		ExecutorURL:         str("KANRI_EXECUTOR_URL", ""),
		ProviderKeys:        providerKeys(os.Environ()),
		DefaultProviderKey:  str("KANRI_PROVIDER_KEY", ""),
		PricingFile:         str("KANRI_PRICING_FILE", ""),
		LogLevel:            str("KANRI_LOG_LEVEL", "info"),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		errs = append(errs, errors.New("DATABASE_URL or KANRI_SQLITE_PATH is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KANRI_PORT=%d is out of range", c.Port))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("KANRI_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("KANRI_TRACE_SAMPLE_RATIO=%g must be within [0, 1]", c.SampleRatio))
	}
	if c.HTTPRateLimit < 0 {
		errs = append(errs, errors.New("KANRI_RATE_LIMIT must not be negative"))
	}
	if c.HTTPRateLimit > 0 && c.HTTPRateWindow <= 0 {
		errs = append(errs, errors.New("KANRI_RATE_LIMIT_WINDOW must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, errors.New("KANRI_JWT_PRIVATE_KEY and KANRI_JWT_PUBLIC_KEY must be set together"))
	}
	if c.AdminAPIKey != "" && c.AdminAPIKeyDigest != "" {
		errs = append(errs, errors.New("set KANRI_ADMIN_API_KEY or KANRI_ADMIN_API_KEY_DIGEST, not both"))
	} else if _, err := auth.ParseAdminKey(c.AdminAPIKeyDigest); err != nil {
		errs = append(errs, fmt.Errorf("KANRI_ADMIN_API_KEY_DIGEST: %w", err))
	}
	if err := c.Lifecycle().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Lifecycle returns the run lifecycle settings.
func (c Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Workers:            c.Workers,
		QueueSize:          c.QueueSize,
		ExecTimeout:        c.ExecTimeout,
		RunStartLimit:      c.RunStartLimit,
		RunStartWindow:     c.RunStartWindow,
		RunStartFailClosed: c.RunStartFailClosed,
		StuckRunTimeout:    c.StuckRunTimeout,
		SweepSchedule:      c.SweepSchedule,
	}
}

// AdminKey returns the admin key digest. The zero value means token
// issuance is disabled.
func (c Config) AdminKey() (auth.AdminKey, error) {
	if c.AdminAPIKeyDigest != "" {
		return auth.ParseAdminKey(c.AdminAPIKeyDigest)
	}
	return auth.NewAdminKey(c.AdminAPIKey)
}

// Telemetry returns the exporter settings. The resource records which storage
// and limiter backends this process runs with.
func (c Config) Telemetry(version string) telemetry.Config {
	backend := "sqlite"
	if c.DatabaseURL != "" {
		backend = "postgres"
	}
	limiter := "memory"
	if c.RedisURL != "" {
		limiter = "redis"
	}
	return telemetry.Config{
		Endpoint:    c.OTELEndpoint,
		Insecure:    c.OTELInsecure,
		ServiceName: c.ServiceName,
		Version:     version,
		SampleRatio: c.SampleRatio,
		Attributes: []attribute.KeyValue{
			attribute.String("kanri.storage", backend),
			attribute.String("kanri.limiter", limiter),
		},
	}
}

// HTTPRateRule returns the per-principal request limit for the API.
func (c Config) HTTPRateRule() ratelimit.Rule {
	return ratelimit.Rule{
		Prefix:     "api",
		Limit:      c.HTTPRateLimit,
		Window:     c.HTTPRateWindow,
		FailClosed: c.HTTPRateFailClosed,
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Providers lists the providers with configured keys, sorted.
func (c Config) Providers() []string {
	out := make([]string, 0, len(c.ProviderKeys))
	for p := range c.ProviderKeys {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func providerKeys(environ []string) map[string]string {
	keys := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" || !strings.HasPrefix(k, ProviderKeyPrefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, ProviderKeyPrefix))
		if name != "" {
			keys[name] = v
		}
	}
	return keys
}

func collect[T any](errs *[]error, get func(string, T) (T, error), key string, def T) T {
	v, err := get(key, def)
	if err != nil {
		*errs = append(*errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
