package mcp

import (
	"math"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
)

const maxCompactError = 200

// compactRun returns a minimal representation of a run for MCP responses.
// Drops input and output payloads, lineage bookkeeping and updated_at.
func compactRun(r model.Run) map[string]any {
	m := map[string]any{
		"id":                  r.ID,
		"status":              r.Status,
		"model":               r.Model,
		"tokens_total":        r.Usage.Total(),
		"cost_is_approximate": r.CostIsApproximate,
		"created_at":          r.CreatedAt,
	}
	if r.AgentID != nil {
		m["agent_id"] = *r.AgentID
	}
	if r.Provider != "" {
		m["provider"] = r.Provider
	}
	if r.CostEstimateUSD != nil {
		m["cost_usd"] = roundUSD(*r.CostEstimateUSD)
	}
	if r.ErrorMessage != nil && *r.ErrorMessage != "" {
		m["error"] = truncate(*r.ErrorMessage, maxCompactError)
	}
	if r.RetryOfRunID != nil {
		m["retry_of_run_id"] = *r.RetryOfRunID
	}
	if r.StartedAt != nil && r.FinishedAt != nil {
		m["duration_ms"] = r.FinishedAt.Sub(*r.StartedAt).Milliseconds()
	}
	return m
}

// compactBudget flattens an agent and its budget evaluation.
func compactBudget(a model.Agent, meta model.BudgetMeta, exceeded bool) map[string]any {
	m := map[string]any{
		"agent_id":        a.ID,
		"name":            a.Name,
		"status":          a.Status,
		"spent_today_usd": roundUSD(meta.SpentTodayUSD),
		"exceeded":        exceeded,
	}
	if meta.CapUSD != nil {
		m["cap_usd"] = *meta.CapUSD
		m["remaining_usd"] = roundUSD(math.Max(0, *meta.CapUSD-meta.SpentTodayUSD))
	}
	if meta.PercentUsed != nil {
		m["percent_used"] = *meta.PercentUsed
	}
	if meta.Approximate {
		m["approximate"] = true
	}
	return m
}

// compactEvent keeps the event envelope and only the populated payload member.
func compactEvent(ev model.AuditEvent) map[string]any {
	m := map[string]any{
		"id":         ev.ID,
		"event_type": ev.EventType,
		"created_at": ev.CreatedAt,
	}
	if ev.EntityType != nil {
		m["entity_type"] = *ev.EntityType
	}
	if ev.EntityID != nil {
		m["entity_id"] = *ev.EntityID
	}
	m["payload"] = ev.Payload
	return m
}

func compactUsage(rows []model.DailyUsage) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"day":          r.Day.UTC().Format(time.DateOnly),
			"runs":         r.RunsCount,
			"tokens_total": r.TokensTotal,
			"cost_usd":     roundUSD(r.CostUSD),
		})
	}
	return out
}

// roundUSD rounds to a hundredth of a cent.
func roundUSD(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// truncate shortens s to at most maxLen runes, appending "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
