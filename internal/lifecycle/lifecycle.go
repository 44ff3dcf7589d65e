// Package lifecycle owns the run state machine. It admits new runs against
// the per-principal rate limit and the agent's daily budget, persists them,
// hands them to a bounded worker pool that calls the executor, and records
// completions, cancellations and timeouts together with their audit events.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/cost"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
	"github.com/ashita-ai/kanri/internal/usage"
)

// MaxRetryDepth bounds how far a retry chain is walked during validation.
const MaxRetryDepth = 32

// RunStartScope names the admission rule applied by StartRun.
const RunStartScope = "run_start"

// ErrInvalidRetry is returned when retry_of_run_id would create a cycle, a
// chain that is not strictly older, or points at a run that is not terminal.
var ErrInvalidRetry = fmt.Errorf("invalid retry lineage: %w", model.ErrConflict)

// Config holds the lifecycle tunables.
type Config struct {
	// Workers is the number of dispatch goroutines.
	Workers int
	// QueueSize bounds the dispatch queue. A full queue fails the run.
	QueueSize int
	// ExecTimeout caps a single executor call.
	ExecTimeout time.Duration

	// RunStartLimit is the number of runs a principal may start per
	// RunStartWindow. Zero disables the check.
	RunStartLimit      int
	RunStartWindow     time.Duration
	RunStartFailClosed bool

	// StuckRunTimeout is how long a run may stay pending or running before
	// the sweeper fails it.
	StuckRunTimeout time.Duration
	// SweepSchedule is a cron expression. Empty disables scheduled sweeps.
	SweepSchedule string
}

// DefaultConfig returns the settings used when no overrides are configured.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1024,
		ExecTimeout:     5 * time.Minute,
		RunStartLimit:   60,
		RunStartWindow:  time.Minute,
		StuckRunTimeout: 15 * time.Minute,
		SweepSchedule:   "@every 1m",
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be >= 1"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue size must be >= 1"))
	}
	if c.ExecTimeout <= 0 {
		errs = append(errs, errors.New("exec timeout must be positive"))
	}
	if c.RunStartLimit < 0 {
		errs = append(errs, errors.New("run start limit must be >= 0"))
	}
	if c.RunStartLimit > 0 && c.RunStartWindow <= 0 {
		errs = append(errs, errors.New("run start window must be positive"))
	}
	if c.StuckRunTimeout <= 0 {
		errs = append(errs, errors.New("stuck run timeout must be positive"))
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid sweep schedule %q: %w", c.SweepSchedule, err))
		}
	}
	return errors.Join(errs...)
}

// Credentials are the provider secrets handed to the executor for one run.
// They are never persisted or logged.
type Credentials struct {
	APIKey string
}

// String keeps the key out of any formatted output.
func (Credentials) String() string { return "Credentials{redacted}" }

// LogValue keeps the key out of structured logs.
func (c Credentials) LogValue() slog.Value { return slog.StringValue(c.String()) }

// CredentialResolver looks up provider credentials for a principal.
type CredentialResolver interface {
	Resolve(ctx context.Context, principalID, provider string) (Credentials, error)
}

// ExecRequest is everything the executor needs to perform a run.
type ExecRequest struct {
	RunID       uuid.UUID
	PrincipalID string
	Model       string
	Provider    string
	Input       json.RawMessage
	Temperature *float64
	Credentials Credentials
}

// Outcome is the result of a run as reported by the executor or by the
// completion callback.
type Outcome struct {
	Status       model.RunStatus  `json:"status"`
	ModelUsed    string           `json:"model_used,omitempty"`
	Usage        model.TokenUsage `json:"usage"`
	CostUSD      *float64         `json:"cost_usd,omitempty"`
	OutputText   *string          `json:"output_text,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

// Executor performs the provider call for a run. An error means the call
// itself failed; a provider-side failure is an Outcome with status error.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (Outcome, error)
}

// Deps are the collaborators a Manager needs. Store, Budget, Estimator,
// Audit and Usage are required.
type Deps struct {
	Store       storage.Store
	Limiter     ratelimit.Limiter
	Budget      *budget.Accountant
	Estimator   *cost.Estimator
	Audit       *audit.Log
	Usage       *usage.Rollup
	Executor    Executor
	Credentials CredentialResolver
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Manager runs the lifecycle. Create with New, then Start the dispatcher.
type Manager struct {
	cfg       Config
	store     storage.Store
	limiter   ratelimit.Limiter
	budget    *budget.Accountant
	estimator *cost.Estimator
	audit     *audit.Log
	usage     *usage.Rollup
	executor  Executor
	creds     CredentialResolver
	clock     clock.Clock
	logger    *slog.Logger

	queue chan uuid.UUID

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
	started  bool
	stop     context.CancelFunc
	group    *errgroup.Group
	sweeper  *Sweeper

	transitions      metric.Int64Counter
	budgetRejections metric.Int64Counter
	admissionDenials metric.Int64Counter
	runDuration      metric.Float64Histogram
}

// New validates cfg and wires a Manager.
func New(cfg Config, d Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("lifecycle: config: %w", err)
	}
	if d.Store == nil || d.Budget == nil || d.Estimator == nil || d.Audit == nil || d.Usage == nil {
		return nil, errors.New("lifecycle: store, budget, estimator, audit and usage are required")
	}
	if d.Limiter == nil {
		d.Limiter = ratelimit.NoopLimiter{}
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	m := &Manager{
		cfg:       cfg,
		store:     d.Store,
		limiter:   d.Limiter,
		budget:    d.Budget,
		estimator: d.Estimator,
		audit:     d.Audit,
		usage:     d.Usage,
		executor:  d.Executor,
		creds:     d.Credentials,
		clock:     d.Clock,
		logger:    d.Logger.With("component", "lifecycle"),
		queue:     make(chan uuid.UUID, cfg.QueueSize),
		inflight:  make(map[uuid.UUID]context.CancelFunc),
	}

	meter := telemetry.Meter("kanri/lifecycle")
	m.transitions, _ = meter.Int64Counter("kanri.runs.transitions",
		metric.WithDescription("Run status transitions, by target status"))
	m.budgetRejections, _ = meter.Int64Counter("kanri.budget.rejections",
		metric.WithDescription("Runs refused because the agent's daily budget was reached"))
	m.admissionDenials, _ = meter.Int64Counter("kanri.runs.admission_denied",
		metric.WithDescription("Runs refused by the run_start rate limit"))
	m.runDuration, _ = meter.Float64Histogram(telemetry.RunDurationMetric,
		metric.WithDescription("Time from running to a success or error outcome"),
		metric.WithUnit("ms"))
	return m, nil
}

// storeErr classifies a store failure. Not-found and conflict pass through;
// anything else is a storage failure.
func storeErr(op string, err error) error {
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrConflict) || errors.Is(err, model.ErrStorageFailure) {
		return fmt.Errorf("lifecycle: %s: %w", op, err)
	}
	return fmt.Errorf("lifecycle: %s: %w: %w", op, model.ErrStorageFailure, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("lifecycle: %w: %s", model.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func ptr[T any](v T) *T { return &v }
