package server

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

// HandleStartRun handles POST /v1/runs. The run is admitted and stored as
// pending; execution continues in the background.
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.lifecycle.StartRun(r.Context(), lifecycle.StartRunRequest{
		PrincipalID:     principal(r),
		StartRunRequest: req,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("kanri.run_id", run.ID.String()),
		attribute.String("kanri.agent_id", req.AgentID.String()),
	)
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	run, err := h.lifecycle.GetRun(r.Context(), principal(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCompleteRun handles POST /v1/runs/{run_id}/complete, the callback an
// external executor uses to report the outcome of a run.
func (h *Handlers) HandleCompleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.CompleteRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Ownership check: another principal's run is reported as not found.
	if _, err := h.lifecycle.GetRun(r.Context(), principal(r), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	run, err := h.lifecycle.Complete(r.Context(), id, lifecycle.Outcome{
		Status:       req.Status,
		ModelUsed:    req.ModelUsed,
		Usage:        req.Usage,
		CostUSD:      req.CostUSD,
		OutputText:   req.OutputText,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// CancelRunRequest is the optional body for POST /v1/runs/{run_id}/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req CancelRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	run, err := h.lifecycle.CancelRun(r.Context(), principal(r), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}
