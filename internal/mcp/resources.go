package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	budgetTodayURI   = "kanri://budget/today"
	agentRunsPrefix  = "kanri://agent/"
	agentRunsSuffix  = "/runs"
	agentRunsPerRead = 20
)

func (s *Server) registerResources() {
	// kanri://budget/today: every agent's spend against its cap.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			budgetTodayURI,
			"Today's Budget",
			mcplib.WithResourceDescription("Today's spend against the daily cap for every agent you own"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBudgetToday,
	)

	// kanri://agent/{id}/runs: recent runs of one agent.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentRunsPrefix+"{id}"+agentRunsSuffix,
			"Agent Runs",
			mcplib.WithTemplateDescription("The 20 most recent runs of an agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentRuns,
	)
}

func (s *Server) handleBudgetToday(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	agents, err := s.lifecycle.ListAgents(ctx, p, maxBudgetAgents, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: budget today: %w", err)
	}
	evals, err := s.budget.EvaluateBatch(ctx, p, agents)
	if err != nil {
		return nil, fmt.Errorf("mcp: budget today: %w", err)
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		ev := evals[a.ID]
		out = append(out, compactBudget(a, ev.Meta, ev.Exceeded))
	}
	return textResource(budgetTodayURI, out)
}

func (s *Server) handleAgentRuns(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	p, err := principalFromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}

	uri := request.Params.URI
	raw, ok := strings.CutPrefix(uri, agentRunsPrefix)
	if ok {
		raw, ok = strings.CutSuffix(raw, agentRunsSuffix)
	}
	agentID, err := uuid.Parse(raw)
	if !ok || err != nil {
		return nil, fmt.Errorf("mcp: invalid agent runs URI: %s", uri)
	}

	runs, err := s.lifecycle.ListRuns(ctx, p, agentID, agentRunsPerRead, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: agent runs: %w", err)
	}
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, compactRun(r))
	}
	return textResource(uri, map[string]any{
		"agent_id": agentID,
		"runs":     out,
	})
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
