package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/audit"
)

// AuditRepository is the append-only audit log and its delivery outbox.
// Delivery markers live in audit_deliveries; audit_log rows are never
// updated.
type AuditRepository struct {
	conn
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{conn{pool: pool}}
}

func (r *AuditRepository) AppendEvent(ctx context.Context, e audit.Event) error {
	const stmt = `
INSERT INTO audit_log (event_id, event_type, occurred_at, correlation_id, actor_id, actor_role, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	if _, err := r.exec(ctx, stmt, e.EventID, e.EventType, e.OccurredAt, e.CorrelationID, e.ActorID, e.ActorRole, payload); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

const auditColumns = `l.event_id, l.event_type, l.occurred_at, l.correlation_id, l.actor_id, l.actor_role, l.payload`

func scanEvent(row pgx.CollectableRow) (audit.Event, error) {
	var e audit.Event
	var payload []byte
	if err := row.Scan(&e.EventID, &e.EventType, &e.OccurredAt, &e.CorrelationID, &e.ActorID, &e.ActorRole, &payload); err != nil {
		return audit.Event{}, err
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return audit.Event{}, fmt.Errorf("decode audit payload: %w", err)
	}
	return e, nil
}

// ClaimUndelivered locks the oldest undelivered events. Concurrent relays
// skip rows another relay holds.
func (r *AuditRepository) ClaimUndelivered(ctx context.Context, limit int) ([]audit.Event, error) {
	const query = `SELECT ` + auditColumns + `
FROM audit_log l
WHERE NOT EXISTS (SELECT 1 FROM audit_deliveries d WHERE d.seq = l.seq)
ORDER BY l.seq
LIMIT $1
FOR UPDATE OF l SKIP LOCKED`

	rows, err := r.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim audit events: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("claim audit events: %w", err)
	}
	return out, nil
}

func (r *AuditRepository) MarkDelivered(ctx context.Context, eventIDs []string, at time.Time) error {
	const stmt = `
INSERT INTO audit_deliveries (seq, delivered_at)
SELECT seq, $2 FROM audit_log WHERE event_id = ANY($1::uuid[])
ON CONFLICT (seq) DO NOTHING`

	if _, err := r.exec(ctx, stmt, eventIDs, at); err != nil {
		return fmt.Errorf("mark audit delivered: %w", err)
	}
	return nil
}

// ListEvents returns the trail for one booking or dispute in append order.
func (r *AuditRepository) ListEvents(ctx context.Context, correlationID string) ([]audit.Event, error) {
	rows, err := r.query(ctx, `SELECT `+auditColumns+` FROM audit_log l WHERE l.correlation_id = $1 ORDER BY l.seq`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}
