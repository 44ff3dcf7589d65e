package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/pricing"
)

func TestDefaultTableKnownModel(t *testing.T) {
	tbl := pricing.DefaultTable()
	p, ok := tbl.Price("gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.0025, p.PromptPer1K, 1e-12)
	assert.InDelta(t, 0.01, p.CompletionPer1K, 1e-12)
}

func TestPriceUnknownModel(t *testing.T) {
	_, ok := pricing.DefaultTable().Price("foo-bar")
	assert.False(t, ok)
	_, ok = pricing.DefaultTable().Price("")
	assert.False(t, ok)
}

func TestPriceDatedModelResolvesToLongestPrefix(t *testing.T) {
	tbl := pricing.DefaultTable()

	p, ok := tbl.Price("gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.Equal(t, mustPrice(t, tbl, "gpt-4o"), p)

	// gpt-4o-mini-... must pick gpt-4o-mini, not gpt-4o.
	p, ok = tbl.Price("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.Equal(t, mustPrice(t, tbl, "gpt-4o-mini"), p)

	// A bare prefix without a separator is not a match.
	_, ok = tbl.Price("gpt-4omega")
	assert.False(t, ok)
}

func TestPriceCaseInsensitive(t *testing.T) {
	_, ok := pricing.DefaultTable().Price("  GPT-4o ")
	assert.True(t, ok)
}

func TestFallback(t *testing.T) {
	tbl := pricing.DefaultTable()
	assert.Equal(t, pricing.DefaultFallbackModel, tbl.FallbackModel())
	p, ok := tbl.FallbackPrice()
	require.True(t, ok)
	assert.Equal(t, mustPrice(t, tbl, pricing.DefaultFallbackModel), p)
}

func TestNewTableRejectsBadInput(t *testing.T) {
	_, err := pricing.NewTable(map[string]pricing.Price{"m": {PromptPer1K: -1}}, "")
	assert.Error(t, err)

	_, err = pricing.NewTable(map[string]pricing.Price{"m": {PromptPer1K: 1}}, "missing")
	assert.Error(t, err)
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
fallback_model: local-small
models:
  local-small:
    prompt_per_1k: 0.001
    completion_per_1k: 0.002
  local-large:
    prompt_per_1k: 0.01
    completion_per_1k: 0.03
`)
	tbl, err := pricing.Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "local-small", tbl.FallbackModel())
	assert.Equal(t, []string{"local-large", "local-small"}, tbl.Models())

	p, ok := tbl.Price("local-large")
	require.True(t, ok)
	assert.InDelta(t, 0.02, p.Blended(), 1e-12)
}

func TestParseYAMLDefaultsFallbackName(t *testing.T) {
	_, err := pricing.Parse([]byte("models:\n  only:\n    prompt_per_1k: 1\n"))
	// DefaultFallbackModel is not in this table, so construction fails loudly.
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fallback_model: a\nmodels:\n  a:\n    prompt_per_1k: 0.5\n    completion_per_1k: 1.5\n"), 0o600))

	tbl, err := pricing.LoadFile(path)
	require.NoError(t, err)
	p, ok := tbl.FallbackPrice()
	require.True(t, ok)
	assert.InDelta(t, 1.0, p.Blended(), 1e-12)

	_, err = pricing.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func mustPrice(t *testing.T, tbl *pricing.Table, model string) pricing.Price {
	t.Helper()
	p, ok := tbl.Price(model)
	require.True(t, ok, "model %q should be priced", model)
	return p
}
