// Package audit records and queries the append-only governance trail.
// Events are never updated or deleted; the stores reject both.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/redact"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// Query page bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Entry is a new audit event as supplied by a caller.
type Entry struct {
	PrincipalID string
	EventType   model.AuditEventType
	EntityType  *string
	EntityID    *string
	Payload     model.AuditPayload
}

// Filter narrows a query. Nil fields match anything.
type Filter = model.AuditFilter

// Page selects a slice of the newest-first result set.
type Page struct {
	Limit  int
	Offset int
}

// Log appends to and reads from the audit trail.
type Log struct {
	store    storage.AuditStore
	logger   *slog.Logger
	appended metric.Int64Counter
}

// New creates a Log over store.
func New(store storage.AuditStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	appended, _ := telemetry.Meter("kanri/audit").Int64Counter("kanri.audit.events",
		metric.WithDescription("Audit events appended, by type"))
	return &Log{store: store, logger: logger.With("component", "audit"), appended: appended}
}

// Append inserts one event. Free-text payload fields are redacted first.
func (l *Log) Append(ctx context.Context, e Entry) (model.AuditEvent, error) {
	if err := model.ValidatePrincipalID(e.PrincipalID); err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: %w: %v", model.ErrInvalidInput, err)
	}
	if e.EventType == "" {
		return model.AuditEvent{}, fmt.Errorf("audit: %w: event_type is required", model.ErrInvalidInput)
	}

	ev, err := l.store.AppendAudit(ctx, model.AuditEvent{
		PrincipalID: e.PrincipalID,
		EventType:   e.EventType,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		Payload:     Scrub(e.Payload),
	})
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("audit: append %s: %w: %w", e.EventType, model.ErrStorageFailure, err)
	}
	if l.appended != nil {
		l.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(e.EventType))))
	}
	return ev, nil
}

// Query returns the principal's events matching f, newest first.
// Limit defaults to DefaultLimit and is capped at MaxLimit.
func (l *Log) Query(ctx context.Context, principalID string, f Filter, p Page) ([]model.AuditEvent, error) {
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return nil, fmt.Errorf("audit: %w: from must be before to", model.ErrInvalidInput)
	}
	limit, offset := storage.Page(p.Limit, p.Offset, DefaultLimit, MaxLimit)
	events, err := l.store.QueryAudit(ctx, principalID, f, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w: %w", model.ErrStorageFailure, err)
	}
	if events == nil {
		events = []model.AuditEvent{}
	}
	return events, nil
}

// Scrub redacts the free-text members of p that may carry provider output.
func Scrub(p model.AuditPayload) model.AuditPayload {
	if p.RunFinished != nil {
		rf := *p.RunFinished
		rf.ErrorMessage = redact.Ptr(rf.ErrorMessage)
		p.RunFinished = &rf
	}
	if p.RunCancelled != nil {
		rc := *p.RunCancelled
		rc.Reason = redact.String(rc.Reason)
		p.RunCancelled = &rc
	}
	if p.AgentKilled != nil {
		ak := *p.AgentKilled
		ak.Reason = redact.String(ak.Reason)
		p.AgentKilled = &ak
	}
	if len(p.Extensions) > 0 {
		ext := make(map[string]any, len(p.Extensions))
		for k, v := range p.Extensions {
			if s, ok := v.(string); ok {
				v = redact.String(s)
			}
			ext[k] = v
		}
		p.Extensions = ext
	}
	return p
}
