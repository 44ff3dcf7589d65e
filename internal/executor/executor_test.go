package executor_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/executor"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

func TestHTTPExecutorRoundTrip(t *testing.T) {
	runID := uuid.New()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, runID.String(), r.Header.Get("X-Kanri-Run-Id"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","model_used":"gpt-4o-2024-08-06",
			"usage":{"prompt_tokens":12,"completion_tokens":30},"assistant_text":"hi there"}`))
	}))
	defer srv.Close()

	temp := 0.7
	exec := executor.NewHTTPExecutor(srv.URL, time.Second)
	out, err := exec.Execute(context.Background(), lifecycle.ExecRequest{
		RunID:       runID,
		Model:       "gpt-4o",
		Provider:    "openai",
		Input:       json.RawMessage(`{"messages":[{"role":"user","content":"hello"}],"meta":1}`),
		Temperature: &temp,
		Credentials: lifecycle.Credentials{APIKey: "sk-provider"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusSuccess, out.Status)
	assert.Equal(t, "gpt-4o-2024-08-06", out.ModelUsed)
	assert.Equal(t, int64(12), *out.Usage.PromptTokens)
	assert.Nil(t, out.Usage.TotalTokens)
	assert.Equal(t, "hi there", *out.OutputText)

	assert.Equal(t, "gpt-4o", got["model"])
	assert.Equal(t, 0.7, got["temperature"])
	assert.Len(t, got["messages"], 1)
	assert.Equal(t, "sk-provider", got["credentials"].(map[string]any)["api_key"])
}

func TestHTTPExecutorProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","error_message":"context length exceeded"}`))
	}))
	defer srv.Close()

	out, err := executor.NewHTTPExecutor(srv.URL, time.Second).Execute(context.Background(),
		lifecycle.ExecRequest{RunID: uuid.New(), Model: "m", Input: json.RawMessage(`{"prompt":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, out.Status)
	assert.Equal(t, "context length exceeded", *out.ErrorMessage)
}

func TestHTTPExecutorFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := executor.NewHTTPExecutor(srv.URL, time.Second).Execute(context.Background(), lifecycle.ExecRequest{RunID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	_, err = executor.NewHTTPExecutor(srv.URL+"/garbage", time.Second).Execute(context.Background(), lifecycle.ExecRequest{RunID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode")

	_, err = executor.NewHTTPExecutor("http://127.0.0.1:1", time.Second).Execute(context.Background(), lifecycle.ExecRequest{RunID: uuid.New()})
	assert.Error(t, err)
}

func TestStaticCredentials(t *testing.T) {
	ctx := context.Background()
	creds := executor.NewStaticCredentials(map[string]string{"OpenAI": "sk-openai", "anthropic": "sk-ant"}, "")

	c, err := creds.Resolve(ctx, "p", "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-openai", c.APIKey)

	_, err = creds.Resolve(ctx, "p", "mistral")
	assert.Error(t, err)

	providers := creds.Providers()
	sort.Strings(providers)
	assert.Equal(t, []string{"anthropic", "openai"}, providers)

	withFallback := executor.NewStaticCredentials(nil, "sk-default")
	c, err = withFallback.Resolve(ctx, "p", "mistral")
	require.NoError(t, err)
	assert.Equal(t, "sk-default", c.APIKey)
}
