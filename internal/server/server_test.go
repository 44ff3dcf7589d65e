package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/auth"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/cost"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/pricing"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/server"
	"github.com/ashita-ai/kanri/internal/testutil"
	"github.com/ashita-ai/kanri/internal/usage"
)

const adminKey = "kanri-admin-test-key"

// adminKeyDigest is derived once; argon2id is deliberately slow.
var adminKeyDigest = func() auth.AdminKey {
	k, err := auth.NewAdminKey(adminKey)
	if err != nil {
		panic(err)
	}
	return k
}()

type testEnv struct {
	srv *httptest.Server
	m   *lifecycle.Manager
}

type envOption func(*server.ServerConfig)

func withRateRule(rule ratelimit.Rule) envOption {
	return func(c *server.ServerConfig) {
		c.Limiter = ratelimit.NewMemoryLimiter(clock.System{})
		c.RateRule = rule
	}
}

func withMaxBody(n int64) envOption {
	return func(c *server.ServerConfig) { c.MaxRequestBodyBytes = n }
}

func withAdminKey(k auth.AdminKey) envOption {
	return func(c *server.ServerConfig) { c.AdminKey = k }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	st := testutil.NewSQLiteStore(t)
	clk := clock.System{}
	est := cost.New(pricing.DefaultTable())
	auditLog := audit.New(st, logger)
	rollup := usage.New(st, logger)
	acct := budget.New(st, est, clk, logger)

	cfg := lifecycle.DefaultConfig()
	cfg.SweepSchedule = ""
	cfg.RunStartLimit = 0
	m, err := lifecycle.New(cfg, lifecycle.Deps{
		Store:     st,
		Budget:    acct,
		Estimator: est,
		Audit:     auditLog,
		Usage:     rollup,
		Clock:     clk,
		Logger:    logger,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	sc := server.ServerConfig{
		Lifecycle:   m,
		Budget:      acct,
		Audit:       auditLog,
		Usage:       rollup,
		Store:       st,
		JWTMgr:      jwtMgr,
		Logger:      logger,
		AdminKey:    adminKeyDigest,
		Version:     "test",
		OpenAPISpec: []byte("openapi: 3.1.0\n"),
	}
	for _, o := range opts {
		o(&sc)
	}
	if sc.Limiter != nil {
		t.Cleanup(func() { _ = sc.Limiter.Close() })
	}

	srv := httptest.NewServer(server.New(sc).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Drain(ctx)
	})
	return &testEnv{srv: srv, m: m}
}

func (e *testEnv) token(t *testing.T, principalID string, role model.Role) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{
		PrincipalID: principalID,
		APIKey:      adminKey,
		Role:        role,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data model.TokenResponse `json:"data"`
	}
	decode(t, resp, &out)
	require.NotEmpty(t, out.Data.Token)
	return out.Data.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var apiErr model.APIError
	decode(t, resp, &apiErr)
	return apiErr.Error.Code
}

func (e *testEnv) createAgent(t *testing.T, token string, capUSD *float64) model.Agent {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/agents", token, model.CreateAgentRequest{
		Name:           "worker",
		BudgetDailyUSD: capUSD,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		Data model.Agent `json:"data"`
	}
	decode(t, resp, &out)
	return out.Data
}

func (e *testEnv) startRun(t *testing.T, token string, agentID uuid.UUID) *http.Response {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/runs", token, model.StartRunRequest{
		AgentID:  agentID,
		Model:    "gpt-4o",
		Provider: "openai",
		Input:    json.RawMessage(`{"messages":[{"role":"user","content":"hi"}]}`),
	})
}

func runFrom(t *testing.T, resp *http.Response) model.Run {
	t.Helper()
	var out struct {
		Data model.Run `json:"data"`
	}
	decode(t, resp, &out)
	return out.Data
}

func f64(v float64) *float64 { return &v }

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var out struct {
		Data server.HealthResponse `json:"data"`
	}
	decode(t, resp, &out)
	assert.Equal(t, "healthy", out.Data.Status)
	assert.Equal(t, "connected", out.Data.Storage)
	assert.Equal(t, "test", out.Data.Version)
}

func TestOpenAPISpecIsPublic(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/openapi.yaml", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t)
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "req-abc-123", resp.Header.Get("X-Request-ID"))
}

func TestAuthToken(t *testing.T) {
	env := newTestEnv(t)

	t.Run("wrong key", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{PrincipalID: "p1", APIKey: "nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))
	})

	t.Run("bad principal", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{PrincipalID: "has space", APIKey: adminKey})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown role", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{PrincipalID: "p1", APIKey: adminKey, Role: "root"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown field", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", `{"principal_id":"p1","api_key":"x","extra":1}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("scoped token", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{
			PrincipalID: "p1", APIKey: adminKey, Role: model.RoleReader, TTLSeconds: 60,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Data model.TokenResponse `json:"data"`
		}
		decode(t, resp, &out)
		assert.WithinDuration(t, time.Now().Add(time.Minute), out.Data.ExpiresAt, 5*time.Second)
	})

	t.Run("issuance is audited", func(t *testing.T) {
		tok := env.token(t, "p-audit", model.RoleReader)
		resp := env.do(t, http.MethodGet, "/v1/audit?event_type="+string(model.EventTokenIssued), tok, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Data []model.AuditEvent `json:"data"`
		}
		decode(t, resp, &out)
		require.NotEmpty(t, out.Data)
		assert.Equal(t, "p-audit", out.Data[0].PrincipalID)
	})
}

func TestAuthTokenDisabledWithoutAdminKey(t *testing.T) {
	env := newTestEnv(t, withAdminKey(auth.AdminKey{}))

	for _, key := range []string{"", adminKey} {
		resp := env.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{PrincipalID: "p1", APIKey: key})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))
	}
}

func TestAuthTokenAcceptsConfiguredDigest(t *testing.T) {
	parsed, err := auth.ParseAdminKey(adminKeyDigest.String())
	require.NoError(t, err)
	env := newTestEnv(t, withAdminKey(parsed))

	resp := env.do(t, http.MethodPost, "/auth/token", "", model.TokenRequest{PrincipalID: "p1", APIKey: adminKey})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/agents", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, errorCode(t, resp))
}

func TestReaderCannotMutate(t *testing.T) {
	env := newTestEnv(t)
	reader := env.token(t, "p1", model.RoleReader)

	resp := env.do(t, http.MethodPost, "/v1/agents", reader, model.CreateAgentRequest{Name: "x"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeForbidden, errorCode(t, resp))

	resp = env.do(t, http.MethodGet, "/v1/agents", reader, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleOperator)

	a := env.createAgent(t, tok, f64(5))
	assert.Equal(t, model.AgentStatusActive, a.Status)
	assert.Equal(t, "p1", a.PrincipalID)

	resp := env.do(t, http.MethodGet, "/v1/agents/"+a.ID.String(), tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/agents", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.ListResponse
	decode(t, resp, &list)
	assert.Len(t, list.Data, 1)
	assert.False(t, list.HasMore)

	resp = env.do(t, http.MethodPut, "/v1/agents/"+a.ID.String()+"/budget", tok, model.UpdateBudgetRequest{BudgetDailyUSD: f64(10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated struct {
		Data model.Agent `json:"data"`
	}
	decode(t, resp, &updated)
	require.NotNil(t, updated.Data.BudgetDailyUSD)
	assert.Equal(t, 10.0, *updated.Data.BudgetDailyUSD)

	resp = env.do(t, http.MethodPut, "/v1/agents/"+a.ID.String()+"/budget", tok, model.UpdateBudgetRequest{BudgetDailyUSD: f64(-1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Kill without a body pauses the agent and blocks new runs.
	resp = env.do(t, http.MethodPost, "/v1/agents/"+a.ID.String()+"/kill", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var killed struct {
		Data model.KillAgentResponse `json:"data"`
	}
	decode(t, resp, &killed)
	assert.Equal(t, model.AgentStatusPaused, killed.Data.Agent.Status)

	resp = env.startRun(t, tok, a.ID)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/agents/"+a.ID.String()+"/resume", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.startRun(t, tok, a.ID)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestAgentsAreScopedToPrincipal(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.token(t, "p1", model.RoleOperator)
	p2 := env.token(t, "p2", model.RoleOperator)

	a := env.createAgent(t, p1, nil)

	resp := env.do(t, http.MethodGet, "/v1/agents/"+a.ID.String(), p2, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, resp))

	resp = env.startRun(t, p2, a.ID)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	run := runFrom(t, env.startRun(t, p1, a.ID))
	resp = env.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), p2, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/complete", p2, model.CompleteRunRequest{Status: model.RunStatusError})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadPathID(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleReader)
	resp := env.do(t, http.MethodGet, "/v1/agents/not-a-uuid", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRunBudgetExceeded(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleOperator)
	a := env.createAgent(t, tok, f64(1))

	run := runFrom(t, env.startRun(t, tok, a.ID))
	resp := env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/complete", tok, model.CompleteRunRequest{
		Status:  model.RunStatusError,
		CostUSD: f64(1.5),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.startRun(t, tok, a.ID)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var apiErr struct {
		Error struct {
			Code    string           `json:"code"`
			Details model.BudgetMeta `json:"details"`
		} `json:"error"`
	}
	decode(t, resp, &apiErr)
	assert.Equal(t, model.ErrCodeBudgetExceeded, apiErr.Error.Code)
	assert.InDelta(t, 1.5, apiErr.Error.Details.SpentTodayUSD, 1e-9)

	resp = env.do(t, http.MethodGet, "/v1/agents/"+a.ID.String()+"/budget", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ab struct {
		Data model.AgentBudget `json:"data"`
	}
	decode(t, resp, &ab)
	assert.True(t, ab.Data.Exceeded)

	resp = env.do(t, http.MethodGet, "/v1/budget", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var overview struct {
		Data []model.AgentBudget `json:"data"`
	}
	decode(t, resp, &overview)
	require.Len(t, overview.Data, 1)
	assert.Equal(t, a.ID, overview.Data[0].AgentID)
}

func TestCompleteRunFlow(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleOperator)
	a := env.createAgent(t, tok, nil)

	resp := env.startRun(t, tok, a.ID)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := runFrom(t, resp)
	assert.Equal(t, model.RunStatusPending, run.Status)

	require.Eventually(t, func() bool {
		r, err := env.m.GetRun(context.Background(), "p1", run.ID)
		return err == nil && r.Status == model.RunStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	prompt, completion := int64(1000), int64(500)
	resp = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/complete", tok, model.CompleteRunRequest{
		Status: model.RunStatusSuccess,
		Usage:  model.TokenUsage{PromptTokens: &prompt, CompletionTokens: &completion},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := runFrom(t, resp)
	assert.Equal(t, model.RunStatusSuccess, done.Status)
	require.NotNil(t, done.CostEstimateUSD)
	assert.Greater(t, *done.CostEstimateUSD, 0.0)

	// A second callback is a conflict.
	resp = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/complete", tok, model.CompleteRunRequest{Status: model.RunStatusSuccess})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/complete", tok, model.CompleteRunRequest{Status: "done"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/agents/"+a.ID.String()+"/runs", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs struct {
		Data []model.Run `json:"data"`
	}
	decode(t, resp, &runs)
	require.Len(t, runs.Data, 1)

	today := time.Now().UTC().Format(time.DateOnly)
	resp = env.do(t, http.MethodGet, "/v1/usage/daily?from="+today+"&to="+today, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows struct {
		Data []model.DailyUsage `json:"data"`
	}
	decode(t, resp, &rows)
	require.Len(t, rows.Data, 1)
	assert.Equal(t, int64(1), rows.Data[0].RunsCount)
	assert.Equal(t, int64(1500), rows.Data[0].TokensTotal)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleOperator)
	a := env.createAgent(t, tok, nil)
	run := runFrom(t, env.startRun(t, tok, a.ID))

	resp := env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", tok, server.CancelRunRequest{Reason: "operator abort"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := runFrom(t, resp)
	assert.Equal(t, model.RunStatusCancelled, cancelled.Status)

	// Cancelling again is a no-op.
	resp = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.RunStatusCancelled, runFrom(t, resp).Status)

	resp = env.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/complete", tok, model.CompleteRunRequest{Status: model.RunStatusError})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAuditList(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleOperator)
	a := env.createAgent(t, tok, nil)

	resp := env.do(t, http.MethodGet, "/v1/audit?entity_type=agent&entity_id="+a.ID.String()+"&limit=10", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data  []model.AuditEvent `json:"data"`
		Limit int                `json:"limit"`
	}
	decode(t, resp, &out)
	assert.Equal(t, 10, out.Limit)
	require.NotEmpty(t, out.Data)
	assert.Equal(t, model.EventAgentCreated, out.Data[0].EventType)

	resp = env.do(t, http.MethodGet, "/v1/audit?from=yesterday", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Another principal sees none of p1's events.
	other := env.token(t, "p2", model.RoleReader)
	resp = env.do(t, http.MethodGet, "/v1/audit?entity_id="+a.ID.String(), other, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty struct {
		Data []model.AuditEvent `json:"data"`
	}
	decode(t, resp, &empty)
	assert.Empty(t, empty.Data)
}

func TestUsageRangeValidation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "p1", model.RoleReader)

	resp := env.do(t, http.MethodGet, "/v1/usage/daily?from=2026-01-01&to=2025-01-01", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/usage/daily?from=2024-01-01&to=2026-01-01", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/usage/daily?from=01/02/2026&to=2026-01-03", tok, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/usage/daily?from=2026-01-01&to=2026-01-31", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimitedAPI(t *testing.T) {
	env := newTestEnv(t, withRateRule(ratelimit.Rule{Prefix: "api", Limit: 2, Window: time.Minute}))
	tok := env.token(t, "p1", model.RoleReader)

	for range 2 {
		resp := env.do(t, http.MethodGet, "/v1/agents", tok, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := env.do(t, http.MethodGet, "/v1/agents", tok, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	var denied model.APIError
	decode(t, resp, &denied)
	assert.Equal(t, model.ErrCodeRateLimited, denied.Error.Code)
	assert.Equal(t, resp.Header.Get("X-Request-ID"), denied.Meta.RequestID)
	details, ok := denied.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "api", details["scope"])

	// Counters are per principal.
	other := env.token(t, "p2", model.RoleReader)
	resp = env.do(t, http.MethodGet, "/v1/agents", other, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, withMaxBody(256))
	tok := env.token(t, "p1", model.RoleOperator)

	body := `{"name":"` + strings.Repeat("x", 512) + `"}`
	resp := env.do(t, http.MethodPost, "/v1/agents", tok, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}
