package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

// maxBudgetAgents bounds GET /v1/budget to one page of agents.
const maxBudgetAgents = 1000

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.lifecycle.CreateAgent(r.Context(), principal(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := queryPage(r, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	agents, err := h.lifecycle.ListAgents(r.Context(), principal(r), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, agents, len(agents), limit, offset)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, err := h.lifecycle.GetAgent(r.Context(), principal(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleUpdateBudget handles PUT /v1/agents/{agent_id}/budget.
func (h *Handlers) HandleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpdateBudgetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.lifecycle.UpdateBudget(r.Context(), principal(r), id, req.BudgetDailyUSD)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleKillAgent handles POST /v1/agents/{agent_id}/kill. The body is
// optional.
func (h *Handlers) HandleKillAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.KillAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.lifecycle.KillAgent(r.Context(), principal(r), id, lifecycle.KillOptions{
		Retire: req.Retire,
		Reason: req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.KillAgentResponse{
		Agent:           res.Agent,
		CancelledRunIDs: res.CancelledRunIDs,
	})
}

// HandleResumeAgent handles POST /v1/agents/{agent_id}/resume.
func (h *Handlers) HandleResumeAgent(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, err := h.lifecycle.ResumeAgent(r.Context(), principal(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// HandleAgentBudget handles GET /v1/agents/{agent_id}/budget.
func (h *Handlers) HandleAgentBudget(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	a, err := h.lifecycle.GetAgent(r.Context(), principal(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	ev, err := h.budget.Evaluate(r.Context(), a.PrincipalID, a.ID, a.BudgetDailyUSD)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AgentBudget{
		AgentID:  a.ID,
		Name:     a.Name,
		Budget:   ev.Meta,
		Exceeded: ev.Exceeded,
	})
}

// HandleBudgetOverview handles GET /v1/budget: every agent of the principal
// evaluated in one pass.
func (h *Handlers) HandleBudgetOverview(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	agents, err := h.lifecycle.ListAgents(r.Context(), p, maxBudgetAgents, 0)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	evals, err := h.budget.EvaluateBatch(r.Context(), p, agents)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]model.AgentBudget, 0, len(agents))
	for _, a := range agents {
		ev := evals[a.ID]
		out = append(out, model.AgentBudget{
			AgentID:  a.ID,
			Name:     a.Name,
			Budget:   ev.Meta,
			Exceeded: ev.Exceeded,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleListAgentRuns handles GET /v1/agents/{agent_id}/runs.
func (h *Handlers) HandleListAgentRuns(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "agent_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, offset, err := queryPage(r, 50)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	runs, err := h.lifecycle.ListRuns(r.Context(), principal(r), id, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, runs, len(runs), limit, offset)
}
