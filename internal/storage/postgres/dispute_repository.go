package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/howweplan/bookingcore/internal/domain"
)

type DisputeRepository struct {
	conn
}

func NewDisputeRepository(pool *pgxpool.Pool) *DisputeRepository {
	return &DisputeRepository{conn{pool: pool}}
}

var terminalDisputeStates = []string{
	string(domain.DisputeResolvedRefund),
	string(domain.DisputeResolvedPartial),
	string(domain.DisputeResolvedDenied),
	string(domain.DisputeClosedWithdrawn),
	string(domain.DisputeClosedExpired),
}

type evidenceRecord struct {
	Kind        string    `json:"kind"`
	URI         string    `json:"uri,omitempty"`
	Note        string    `json:"note,omitempty"`
	ActorID     string    `json:"actor_id"`
	ActorRole   string    `json:"actor_role"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func encodeEvidence(in []domain.Evidence) ([]byte, error) {
	out := make([]evidenceRecord, 0, len(in))
	for _, e := range in {
		out = append(out, evidenceRecord{
			Kind:        e.Kind,
			URI:         e.URI,
			Note:        e.Note,
			ActorID:     e.SubmittedBy.ID,
			ActorRole:   string(e.SubmittedBy.Role),
			SubmittedAt: e.SubmittedAt,
		})
	}
	return json.Marshal(out)
}

func decodeEvidence(raw []byte) ([]domain.Evidence, error) {
	var recs []evidenceRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	out := make([]domain.Evidence, 0, len(recs))
	for _, r := range recs {
		out = append(out, domain.Evidence{
			Kind:        r.Kind,
			URI:         r.URI,
			Note:        r.Note,
			SubmittedBy: domain.Actor{ID: r.ActorID, Role: domain.Role(r.ActorRole)},
			SubmittedAt: r.SubmittedAt,
		})
	}
	return out, nil
}

const disputeColumns = `
d.id, d.booking_id, d.opened_by_id, d.opened_by_role, d.category, d.description, d.state, d.evidence,
d.resolution, d.resolution_reason, d.refund_amount, d.version, d.created_at, d.updated_at, d.closed_at`

func scanDispute(row pgx.Row) (domain.Dispute, error) {
	var d domain.Dispute
	var openedRole, category, state string
	var evidence []byte
	var resolution *string
	err := row.Scan(
		&d.ID, &d.BookingID, &d.OpenedBy.ID, &openedRole, &category, &d.Description, &state, &evidence,
		&resolution, &d.ResolutionReason, &d.RefundAmount, &d.Version, &d.CreatedAt, &d.UpdatedAt, &d.ClosedAt,
	)
	if err != nil {
		return domain.Dispute{}, err
	}
	d.OpenedBy.Role = domain.Role(openedRole)
	d.Category = domain.DisputeCategory(category)
	d.State = domain.DisputeState(state)
	if resolution != nil {
		res := domain.Resolution(*resolution)
		d.Resolution = &res
	}
	if d.Evidence, err = decodeEvidence(evidence); err != nil {
		return domain.Dispute{}, err
	}
	return d, nil
}

func (r *DisputeRepository) one(ctx context.Context, query string, args ...any) (domain.Dispute, error) {
	d, err := scanDispute(r.queryRow(ctx, query, args...))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Dispute{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrDisputeNotFound
		}
		return domain.Dispute{}, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

func (r *DisputeRepository) many(ctx context.Context, query string, args ...any) ([]domain.Dispute, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Dispute, error) {
		return scanDispute(row)
	})
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	return out, nil
}

func (r *DisputeRepository) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	return r.one(ctx, `SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1`, id)
}

func (r *DisputeRepository) GetDisputeForUpdate(ctx context.Context, id string) (domain.Dispute, error) {
	return r.one(ctx, `SELECT `+disputeColumns+` FROM disputes d WHERE d.id = $1 FOR UPDATE`, id)
}

func (r *DisputeRepository) FindOpenDispute(ctx context.Context, bookingID string) (*domain.Dispute, error) {
	d, err := r.one(ctx, `SELECT `+disputeColumns+` FROM disputes d WHERE d.booking_id = $1 AND NOT (d.state = ANY($2))`,
		bookingID, terminalDisputeStates)
	if err != nil {
		if errors.Is(err, domain.ErrDisputeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *DisputeRepository) CreateDispute(ctx context.Context, d domain.Dispute) error {
	const stmt = `
INSERT INTO disputes (
	id, booking_id, opened_by_id, opened_by_role, category, description, state, evidence,
	refund_amount, version, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	evidence, err := encodeEvidence(d.Evidence)
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, stmt, d.ID, d.BookingID, d.OpenedBy.ID, string(d.OpenedBy.Role), string(d.Category),
		d.Description, string(d.State), evidence, d.RefundAmount, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDisputeAlreadyOpen
		}
		return fmt.Errorf("create dispute: %w", err)
	}
	return nil
}

func (r *DisputeRepository) UpdateDispute(ctx context.Context, d domain.Dispute, expectedVersion int64) error {
	const stmt = `
UPDATE disputes SET
	state = $2, evidence = $3, resolution = $4, resolution_reason = $5, refund_amount = $6,
	version = $7, updated_at = $8, closed_at = $9
WHERE id = $1 AND version = $10`

	evidence, err := encodeEvidence(d.Evidence)
	if err != nil {
		return err
	}
	var resolution *string
	if d.Resolution != nil {
		s := string(*d.Resolution)
		resolution = &s
	}
	tag, err := r.exec(ctx, stmt, d.ID, string(d.State), evidence, resolution, d.ResolutionReason, d.RefundAmount,
		d.Version, d.UpdatedAt, d.ClosedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetDispute(ctx, d.ID); err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}
	return nil
}

// ListIdleDisputes returns disputes in states that have not changed since
// before.
func (r *DisputeRepository) ListIdleDisputes(ctx context.Context, states []domain.DisputeState, before time.Time, limit int) ([]domain.Dispute, error) {
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
	}
	const query = `SELECT ` + disputeColumns + `
FROM disputes d
WHERE d.state = ANY($1) AND d.updated_at <= $2
ORDER BY d.updated_at
LIMIT $3`
	return r.many(ctx, query, names, before, limit)
}

// ListUnsettledDisputes returns terminal disputes whose settlement step has
// not been recorded.
func (r *DisputeRepository) ListUnsettledDisputes(ctx context.Context, limit int) ([]domain.Dispute, error) {
	const query = `SELECT ` + disputeColumns + `
FROM disputes d
WHERE d.state = ANY($1)
	AND NOT EXISTS (SELECT 1 FROM saga_steps s WHERE s.step_key = 'dispute:' || d.id::text || ':settle')
ORDER BY d.closed_at
LIMIT $2`
	return r.many(ctx, query, terminalDisputeStates, limit)
}
