package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-erx/internal/audit"
)

// AuditLog stores audit entries in the audit_log table
type AuditLog struct {
	pool *pgxpool.Pool
}

func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

func (a *AuditLog) Append(ctx context.Context, e audit.Entry) (bool, error) {
	ctx, span := startSpan(ctx, "audit_log.append", e.PrescriptionID)
	defer span.End()

	tag, err := a.pool.Exec(ctx, `
		INSERT INTO audit_log (event_id, event_type, prescription_id, actor_id, occurred_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.EventType, e.PrescriptionID, e.ActorID, e.OccurredAt, e.CorrelationID)
	if err != nil {
		span.RecordError(err)
		return false, storageError("insert audit entry", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (a *AuditLog) History(ctx context.Context, prescriptionID uuid.UUID) ([]audit.Entry, error) {
	ctx, span := startSpan(ctx, "audit_log.history", prescriptionID)
	defer span.End()

	rows, err := listAll(ctx, a.pool, "select audit history", `
		SELECT event_id, event_type, prescription_id, actor_id, occurred_at, recorded_at, correlation_id
		FROM audit_log
		WHERE prescription_id = $1
		ORDER BY occurred_at, seq`,
		func(row pgx.Row) (*audit.Entry, error) {
			e := &audit.Entry{}
			if err := row.Scan(&e.EventID, &e.EventType, &e.PrescriptionID, &e.ActorID, &e.OccurredAt, &e.RecordedAt, &e.CorrelationID); err != nil {
				return nil, err
			}
			return e, nil
		}, prescriptionID)
	if err != nil {
		return nil, err
	}

	out := make([]audit.Entry, 0, len(rows))
	for _, e := range rows {
		out = append(out, *e)
	}
	return out, nil
}

var _ audit.Store = (*AuditLog)(nil)
