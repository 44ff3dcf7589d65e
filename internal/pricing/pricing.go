// Package pricing maps model identifiers to per-1K-token prices.
//
// A Table is immutable once built: lookups are pure and never do I/O.
// Loading from YAML happens once at startup.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFallbackModel is the model whose rates approximate unknown models.
const DefaultFallbackModel = "gpt-4o-mini"

// Price is the USD cost per 1,000 tokens for one model.
type Price struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// Blended returns the average of the prompt and completion rates, used when
// only a total token count is known.
func (p Price) Blended() float64 {
	return (p.PromptPer1K + p.CompletionPer1K) / 2
}

// Table is a static price list with a designated fallback model.
type Table struct {
	prices   map[string]Price
	prefixes []string // registered ids, longest first, for prefix matching
	fallback string
}

// NewTable builds a table. fallback must name a model present in prices.
func NewTable(prices map[string]Price, fallback string) (*Table, error) {
	t := &Table{
		prices:   make(map[string]Price, len(prices)),
		fallback: fallback,
	}
	for id, p := range prices {
		id = normalize(id)
		if id == "" {
			return nil, fmt.Errorf("pricing: empty model id")
		}
		if p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
			return nil, fmt.Errorf("pricing: negative price for %q", id)
		}
		t.prices[id] = p
		t.prefixes = append(t.prefixes, id)
	}
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
	if fallback != "" {
		t.fallback = normalize(fallback)
		if _, ok := t.prices[t.fallback]; !ok {
			return nil, fmt.Errorf("pricing: fallback model %q is not in the table", fallback)
		}
	}
	return t, nil
}

// Price returns the rates for model. Exact ids win; otherwise the longest
// registered id that prefixes model followed by a '-' or '@' separator is
// used, so dated ids like "gpt-4o-2024-08-06" resolve to "gpt-4o".
// Unknown models return false.
func (t *Table) Price(model string) (Price, bool) {
	id := normalize(model)
	if id == "" {
		return Price{}, false
	}
	if p, ok := t.prices[id]; ok {
		return p, true
	}
	for _, prefix := range t.prefixes {
		if len(id) > len(prefix) && strings.HasPrefix(id, prefix) {
			if sep := id[len(prefix)]; sep == '-' || sep == '@' {
				return t.prices[prefix], true
			}
		}
	}
	return Price{}, false
}

// FallbackModel returns the designated fallback model id ("" if none).
func (t *Table) FallbackModel() string {
	return t.fallback
}

// FallbackPrice returns the fallback model's rates.
func (t *Table) FallbackPrice() (Price, bool) {
	if t.fallback == "" {
		return Price{}, false
	}
	p, ok := t.prices[t.fallback]
	return p, ok
}

// Models returns all registered model ids in sorted order.
func (t *Table) Models() []string {
	ids := make([]string, 0, len(t.prices))
	for id := range t.prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}

// fileFormat is the on-disk YAML layout.
type fileFormat struct {
	FallbackModel string           `yaml:"fallback_model"`
	Models        map[string]Price `yaml:"models"`
}

// Parse builds a table from a YAML document:
//
//	fallback_model: gpt-4o-mini
//	models:
//	  gpt-4o:
//	    prompt_per_1k: 0.0025
//	    completion_per_1k: 0.01
func Parse(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pricing: parse yaml: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("pricing: no models defined")
	}
	if f.FallbackModel == "" {
		f.FallbackModel = DefaultFallbackModel
	}
	return NewTable(f.Models, f.FallbackModel)
}

// LoadFile reads and parses a pricing YAML file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	return Parse(data)
}
