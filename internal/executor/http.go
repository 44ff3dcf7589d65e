// Package executor provides the HTTP bridge to the service that actually
// calls model providers. kanri treats that service as opaque: it posts the
// run and reads back status, usage and output.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// HTTPExecutor implements lifecycle.Executor by POSTing to a URL.
type HTTPExecutor struct {
	url        string
	httpClient *http.Client
}

var _ lifecycle.Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor that posts runs to url. The timeout
// bounds each call on top of the run's own deadline.
func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPExecutor{
		url: url,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type execCredentials struct {
	APIKey string `json:"api_key,omitempty"`
}

type execRequest struct {
	RunID       uuid.UUID       `json:"run_id"`
	Model       string          `json:"model"`
	Provider    string          `json:"provider"`
	Messages    json.RawMessage `json:"messages"`
	Input       json.RawMessage `json:"input,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Credentials execCredentials `json:"credentials"`
}

type execResponse struct {
	Status        model.RunStatus  `json:"status"`
	ModelUsed     string           `json:"model_used"`
	Usage         model.TokenUsage `json:"usage"`
	CostUSD       *float64         `json:"cost_usd"`
	AssistantText *string          `json:"assistant_text"`
	ErrorMessage  *string          `json:"error_message"`
}

// Execute performs one run. Non-2xx responses and undecodable bodies are
// errors; a decoded response with status "error" is a normal outcome.
func (e *HTTPExecutor) Execute(ctx context.Context, req lifecycle.ExecRequest) (lifecycle.Outcome, error) {
	body, err := json.Marshal(execRequest{
		RunID:       req.RunID,
		Model:       req.Model,
		Provider:    req.Provider,
		Messages:    messages(req.Input),
		Input:       req.Input,
		Temperature: req.Temperature,
		Credentials: execCredentials{APIKey: req.Credentials.APIKey},
	})
	if err != nil {
		return lifecycle.Outcome{}, fmt.Errorf("executor: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return lifecycle.Outcome{}, fmt.Errorf("executor: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Kanri-Run-Id", req.RunID.String())

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return lifecycle.Outcome{}, fmt.Errorf("executor: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return lifecycle.Outcome{}, fmt.Errorf("executor: status %d: %s", resp.StatusCode, string(snippet))
	}

	var out execResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return lifecycle.Outcome{}, fmt.Errorf("executor: decode response: %w", err)
	}
	return lifecycle.Outcome{
		Status:       out.Status,
		ModelUsed:    out.ModelUsed,
		Usage:        out.Usage,
		CostUSD:      out.CostUSD,
		OutputText:   out.AssistantText,
		ErrorMessage: out.ErrorMessage,
	}, nil
}

// messages pulls the "messages" array out of a run input. Inputs without one
// are sent as an empty list and the raw input travels alongside.
func messages(input json.RawMessage) json.RawMessage {
	var in struct {
		Messages json.RawMessage `json:"messages"`
	}
	if len(input) > 0 && json.Unmarshal(input, &in) == nil && len(in.Messages) > 0 && in.Messages[0] == '[' {
		return in.Messages
	}
	return json.RawMessage(`[]`)
}
