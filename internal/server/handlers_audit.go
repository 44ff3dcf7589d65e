package server

import (
	"net/http"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/model"
)

// HandleListAudit handles GET /v1/audit.
//
// Query params: event_type, entity_type, entity_id, from, to (RFC3339),
// limit, offset.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f audit.Filter
	if v := q.Get("event_type"); v != "" {
		et := model.AuditEventType(v)
		f.EventType = &et
	}
	if v := q.Get("entity_type"); v != "" {
		f.EntityType = &v
	}
	if v := q.Get("entity_id"); v != "" {
		f.EntityID = &v
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, offset, err := queryPage(r, audit.DefaultLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit = min(limit, audit.MaxLimit)

	events, err := h.audit.Query(r.Context(), principal(r), f, audit.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, events, len(events), limit, offset)
}

// HandleDailyUsage handles GET /v1/usage/daily?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Both bounds are inclusive UTC days.
func (h *Handlers) HandleDailyUsage(w http.ResponseWriter, r *http.Request) {
	from, err := queryDay(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	to, err := queryDay(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rows, err := h.usage.Range(r.Context(), principal(r), from, to)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}
