package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/domain/prescription"
)

const prescriptionColumns = `id, doctor_id, patient_id, drug_id, quantity, status, created_at, filled_at, pharmacist_id`

// PrescriptionRepository persists prescriptions. Every state change writes
// its domain event to the outbox in the same transaction.
type PrescriptionRepository struct {
	pool        *pgxpool.Pool
	eventsTopic string
	logger      *zap.Logger
}

func NewPrescriptionRepository(pool *pgxpool.Pool, eventsTopic string, logger *zap.Logger) *PrescriptionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionRepository{pool: pool, eventsTopic: eventsTopic, logger: logger}
}

func scanPrescription(row pgx.Row) (*prescription.Prescription, error) {
	p := &prescription.Prescription{}
	var status string
	if err := row.Scan(
		&p.ID, &p.DoctorID, &p.PatientID, &p.DrugID, &p.Quantity,
		&status, &p.CreatedAt, &p.FilledAt, &p.PharmacistID,
	); err != nil {
		return nil, err
	}
	p.Status = prescription.Status(status)
	if !p.Status.IsValid() {
		return nil, fmt.Errorf("prescription %s has unknown status %q", p.ID, status)
	}
	return p, nil
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *prescription.Prescription) (uuid.UUID, error) {
	ctx, span := startSpan(ctx, "prescriptions.create", p.ID)
	defer span.End()

	event, err := prescription.PrescribedEvent(p)
	if err != nil {
		return uuid.Nil, fmt.Errorf("build prescribed event: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (id, doctor_id, patient_id, drug_id, quantity, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, p.DoctorID, p.PatientID, p.DrugID, p.Quantity, string(p.Status), p.CreatedAt)
		if err != nil {
			return err
		}
		return r.writeEvent(ctx, tx, event)
	})
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, storageError("insert prescription", err)
	}
	return p.ID, nil
}

func (r *PrescriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	ctx, span := startSpan(ctx, "prescriptions.find", id)
	defer span.End()
	return findOne(ctx, r.pool, "select prescription",
		`SELECT `+prescriptionColumns+` FROM prescriptions WHERE id = $1`, scanPrescription, id)
}

func (r *PrescriptionRepository) List(ctx context.Context) ([]*prescription.Prescription, error) {
	ctx, span := startSpan(ctx, "prescriptions.list", uuid.Nil)
	defer span.End()
	return listAll(ctx, r.pool, "list prescriptions",
		`SELECT `+prescriptionColumns+` FROM prescriptions ORDER BY seq`, scanPrescription)
}

// MarkFilled applies Pending -> Filled with a conditional UPDATE so that only
// one of several concurrent callers matches the row.
func (r *PrescriptionRepository) MarkFilled(ctx context.Context, id, pharmacistID uuid.UUID, filledAt time.Time) (*prescription.Prescription, error) {
	ctx, span := startSpan(ctx, "prescriptions.mark_filled", id)
	defer span.End()

	var filled *prescription.Prescription
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		p, err := scanPrescription(tx.QueryRow(ctx, `
			UPDATE prescriptions
			SET status = $2, filled_at = $3, pharmacist_id = $4
			WHERE id = $1 AND status = $5
			RETURNING `+prescriptionColumns,
			id, string(prescription.StatusFilled), filledAt.UTC(), pharmacistID, string(prescription.StatusPending)))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prescriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return prescription.ErrNotFound
			}
			return prescription.ErrNotPending
		}
		if err != nil {
			return err
		}

		event, err := prescription.FilledEvent(p)
		if err != nil {
			return fmt.Errorf("build filled event: %w", err)
		}
		if err := r.writeEvent(ctx, tx, event); err != nil {
			return err
		}
		filled = p
		return nil
	})
	switch {
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, prescription.ErrNotPending):
		return nil, err
	case err != nil:
		span.RecordError(err)
		return nil, storageError("mark prescription filled", err)
	}

	r.logger.Debug("prescription filled",
		zap.String("prescription_id", id.String()),
		zap.String("pharmacist_id", pharmacistID.String()))
	return filled, nil
}

func (r *PrescriptionRepository) writeEvent(ctx context.Context, tx pgx.Tx, event *prescription.Event) error {
	entry, err := eventEntry(ctx, r.eventsTopic, event)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, tx, entry)
}

// eventEntry stamps event with the correlation id carried by ctx and wraps it
// for the outbox, keyed by prescription so its events stay in one partition.
func eventEntry(ctx context.Context, topic string, event *prescription.Event) (*OutboxEntry, error) {
	payload, err := json.Marshal(event.WithCorrelationID(domain.CorrelationID(ctx)))
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &OutboxEntry{
		AggregateID: event.AggregateID,
		EventType:   string(event.EventType),
		Payload:     payload,
		Topic:       topic,
		Key:         event.AggregateID,
	}, nil
}

var _ prescription.Repository = (*PrescriptionRepository)(nil)
