package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemActor is recorded when neither the entry nor the context names one.
const SystemActor = "system"

// AuditLog is one row of audit_logs. Stock adjustments and readable id
// assignments are recorded here next to their ledger or order change.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger appends to audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns an AuditLogger writing through pool.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists entry. A blank actor falls back to the request actor.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	entry, err := entry.normalise(ctx)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit meta: %w", err)
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`, entry.Actor, entry.Action, entry.Entity, entry.EntityID, meta, entry.At)
	return err
}

func (entry AuditLog) normalise(ctx context.Context) (AuditLog, error) {
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return AuditLog{}, errors.New("audit log requires action, entity and entity id")
	}
	if entry.Actor == "" {
		entry.Actor = ActorFromContext(ctx)
	}
	if entry.Actor == "" {
		entry.Actor = SystemActor
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if entry.Meta == nil {
		entry.Meta = map[string]any{}
	}
	return entry, nil
}
