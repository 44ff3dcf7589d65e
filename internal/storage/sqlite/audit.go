package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, ex execer, e model.AuditEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit payload: %w", err)
	}
	if _, err := ex.ExecContext(ctx,
		`INSERT INTO audit_events (id, principal_id, event_type, entity_type, entity_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.PrincipalID, string(e.EventType), e.EntityType, e.EntityID, string(payload), ts(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: insert audit event: %w", err)
	}
	return nil
}

// AppendAudit inserts one audit event.
func (s *Store) AppendAudit(ctx context.Context, e model.AuditEvent) (model.AuditEvent, error) {
	e = storage.PrepareAudit(e, now())
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	if err := insertAudit(ctx, s.db, e); err != nil {
		return model.AuditEvent{}, err
	}
	return e, nil
}

// QueryAudit returns the principal's events matching f, newest first.
func (s *Store) QueryAudit(ctx context.Context, principalID string, f model.AuditFilter, limit, offset int) ([]model.AuditEvent, error) {
	limit, offset = storage.Page(limit, offset, 50, 500)
	where := []string{"principal_id = ?"}
	args := []any{principalID}
	if f.EventType != nil {
		where = append(where, "event_type = ?")
		args = append(args, string(*f.EventType))
	}
	if f.EntityType != nil {
		where = append(where, "entity_type = ?")
		args = append(args, *f.EntityType)
	}
	if f.EntityID != nil {
		where = append(where, "entity_id = ?")
		args = append(args, *f.EntityID)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, ts(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, ts(*f.To))
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_id, event_type, entity_type, entity_id, payload, created_at
		 FROM audit_events WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			e                    model.AuditEvent
			id, payload, created string
			entityType, entityID sql.NullString
		)
		if err := rows.Scan(&id, &e.PrincipalID, &e.EventType, &entityType, &entityID, &payload, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse audit id: %w", err)
		}
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		e.EntityType = nullString(entityType)
		e.EntityID = nullString(entityID)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("sqlite: decode audit payload %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
