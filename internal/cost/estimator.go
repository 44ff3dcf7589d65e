// Package cost converts token usage into USD estimates using a pricing table.
package cost

import (
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/pricing"
)

// Estimate is a cost figure plus whether it was derived from incomplete data.
type Estimate struct {
	USD         float64 `json:"usd"`
	Approximate bool    `json:"approximate"`
}

// Estimator prices token usage. It holds no mutable state and is safe for
// concurrent use.
type Estimator struct {
	table *pricing.Table
}

// New returns an Estimator backed by table.
func New(table *pricing.Table) *Estimator {
	return &Estimator{table: table}
}

// Table returns the pricing table in use.
func (e *Estimator) Table() *pricing.Table {
	return e.table
}

// Estimate prices usage for a known model. It returns false when the model is
// unknown or no usable token counts are present.
//
// With both prompt and completion counts the cost is exact for the table's
// rates. With only a total, the blended average rate is applied.
func (e *Estimator) Estimate(modelID string, usage model.TokenUsage) (float64, bool) {
	p, ok := e.table.Price(modelID)
	if !ok {
		return 0, false
	}
	usd, _, ok := compute(p, usage)
	return usd, ok
}

// EstimateWithFallback is Estimate, except unknown models are priced with the
// table's fallback model. Approximate is set when the fallback was used or
// when only a total token count was available.
func (e *Estimator) EstimateWithFallback(modelID string, usage model.TokenUsage) (Estimate, bool) {
	p, ok := e.table.Price(modelID)
	substituted := false
	if !ok {
		p, ok = e.table.FallbackPrice()
		if !ok {
			return Estimate{}, false
		}
		substituted = true
	}
	usd, blended, ok := compute(p, usage)
	if !ok {
		return Estimate{}, false
	}
	return Estimate{USD: usd, Approximate: substituted || blended}, true
}

func compute(p pricing.Price, usage model.TokenUsage) (usd float64, blended bool, ok bool) {
	prompt, hasPrompt := count(usage.PromptTokens)
	completion, hasCompletion := count(usage.CompletionTokens)
	if hasPrompt && hasCompletion {
		return prompt/1000*p.PromptPer1K + completion/1000*p.CompletionPer1K, false, true
	}
	if total, hasTotal := count(usage.TotalTokens); hasTotal {
		return total / 1000 * p.Blended(), true, true
	}
	return 0, false, false
}

// count treats nil and negative counts as absent.
func count(n *int64) (float64, bool) {
	if n == nil || *n < 0 {
		return 0, false
	}
	return float64(*n), true
}
