package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanri/internal/model"
)

// AppendAudit inserts a single audit event. The table is append-only; a
// trigger rejects UPDATE and DELETE.
func (db *DB) AppendAudit(ctx context.Context, e model.AuditEvent) (model.AuditEvent, error) {
	e = PrepareAudit(e, time.Now().UTC().Truncate(time.Microsecond))
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: marshal audit payload: %w", err)
	}
	if _, err := db.pool.Exec(ctx, insertAuditSQL,
		e.ID, e.PrincipalID, string(e.EventType), e.EntityType, e.EntityID, payload, e.CreatedAt,
	); err != nil {
		return model.AuditEvent{}, fmt.Errorf("storage: insert audit event: %w", err)
	}
	return e, nil
}

const insertAuditSQL = `INSERT INTO audit_events (id, principal_id, event_type, entity_type, entity_id, payload, created_at)
	 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`

// insertAuditTx inserts an audit event inside an existing transaction, so it
// commits or rolls back together with the state change it describes.
func insertAuditTx(ctx context.Context, tx pgx.Tx, e model.AuditEvent) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal audit payload: %w", err)
	}
	if _, err := tx.Exec(ctx, insertAuditSQL,
		e.ID, e.PrincipalID, string(e.EventType), e.EntityType, e.EntityID, payload, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert audit event: %w", err)
	}
	return nil
}

// QueryAudit returns the principal's audit events matching f, newest first.
func (db *DB) QueryAudit(ctx context.Context, principalID string, f model.AuditFilter, limit, offset int) ([]model.AuditEvent, error) {
	limit, offset = Page(limit, offset, 50, 500)
	where := []string{"principal_id = $1"}
	args := []any{principalID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.EventType != nil {
		add("event_type = $%d", string(*f.EventType))
	}
	if f.EntityType != nil {
		add("entity_type = $%d", *f.EntityType)
	}
	if f.EntityID != nil {
		add("entity_id = $%d", *f.EntityID)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	args = append(args, limit, offset)

	query := `SELECT id, principal_id, event_type, entity_type, entity_id, payload, created_at
		 FROM audit_events WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var (
			e       model.AuditEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.EventType, &e.EntityType, &e.EntityID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("storage: decode audit payload %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
