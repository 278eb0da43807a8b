// Package service implements the prescription lifecycle and entity
// registration on top of the repository interfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-erx/internal/audit"
	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/domain/doctor"
	"github.com/drfirst/go-erx/internal/domain/drug"
	"github.com/drfirst/go-erx/internal/domain/patient"
	"github.com/drfirst/go-erx/internal/domain/pharmacist"
	"github.com/drfirst/go-erx/internal/domain/prescription"
	"github.com/drfirst/go-erx/internal/observability/metrics"
)

// Repositories bundles the storage the services depend on.
type Repositories struct {
	Doctors       doctor.Repository
	Patients      patient.Repository
	Pharmacists   pharmacist.Repository
	Drugs         drug.Repository
	Prescriptions prescription.Repository
}

// Option configures a service
type Option func(*options)

type options struct {
	now      func() time.Time
	auditLog audit.Store
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAuditLog enables prescription history lookups
func WithAuditLog(store audit.Store) Option {
	return func(o *options) { o.auditLog = store }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PrescribeCommand carries the input of Prescribe
type PrescribeCommand struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	DrugID    uuid.UUID
	Quantity  int
}

// FillCommand carries the input of Fill
type FillCommand struct {
	PrescriptionID uuid.UUID
	PharmacistID   uuid.UUID
}

// PrescriptionService orchestrates the prescription lifecycle. It holds no
// state between calls; every invariant is enforced through the repositories.
type PrescriptionService struct {
	repos    Repositories
	auditLog audit.Store
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewPrescriptionService creates the service
func NewPrescriptionService(repos Repositories, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *PrescriptionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &PrescriptionService{
		repos:    repos,
		auditLog: o.auditLog,
		now:      o.now,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("prescription-service"),
	}
}

// Prescribe records a doctor prescribing a drug to a patient. All three
// references are confirmed before anything is written.
func (s *PrescriptionService) Prescribe(ctx context.Context, cmd PrescribeCommand) (p *prescription.Prescription, err error) {
	ctx, span := s.tracer.Start(ctx, "prescription.prescribe",
		trace.WithAttributes(
			attribute.String("doctor_id", cmd.DoctorID.String()),
			attribute.String("patient_id", cmd.PatientID.String()),
			attribute.String("drug_id", cmd.DrugID.String()),
			attribute.Int("quantity", cmd.Quantity),
		))
	defer func() { s.finish(span, "prescribe", err) }()

	if err := prescription.ValidateQuantity(cmd.Quantity); err != nil {
		return nil, err
	}

	var (
		d  *doctor.Doctor
		pt *patient.Patient
		g  *drug.Drug
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		d, err = s.repos.Doctors.FindByID(egCtx, cmd.DoctorID)
		return err
	})
	eg.Go(func() (err error) {
		pt, err = s.repos.Patients.FindByID(egCtx, cmd.PatientID)
		return err
	})
	eg.Go(func() (err error) {
		g, err = s.repos.Drugs.FindByID(egCtx, cmd.DrugID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, domain.NewStorageError("resolve prescription references", err)
	}

	switch {
	case d == nil:
		return nil, &domain.ReferenceNotFoundError{Reference: "doctor", ID: cmd.DoctorID}
	case pt == nil:
		return nil, &domain.ReferenceNotFoundError{Reference: "patient", ID: cmd.PatientID}
	case g == nil:
		return nil, &domain.ReferenceNotFoundError{Reference: "drug", ID: cmd.DrugID}
	}

	p, err = prescription.New(d.ID, pt.ID, g.ID, cmd.Quantity, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Prescriptions.Create(ctx, p); err != nil {
		return nil, domain.NewStorageError("create prescription", err)
	}

	span.SetAttributes(attribute.String("prescription_id", p.ID.String()))
	s.metrics.Prescribed()
	s.logger.Info("prescription created",
		zap.String("prescription_id", p.ID.String()),
		zap.String("doctor_id", d.ID.String()),
		zap.String("patient_id", pt.ID.String()),
		zap.String("drug_id", g.ID.String()),
		zap.Int("quantity", p.Quantity))
	return p, nil
}

// Fill records a pharmacist dispensing a Pending prescription.
func (s *PrescriptionService) Fill(ctx context.Context, cmd FillCommand) (p *prescription.Prescription, err error) {
	ctx, span := s.tracer.Start(ctx, "prescription.fill",
		trace.WithAttributes(
			attribute.String("prescription_id", cmd.PrescriptionID.String()),
			attribute.String("pharmacist_id", cmd.PharmacistID.String()),
		))
	defer func() { s.finish(span, "fill", err) }()

	current, err := s.repos.Prescriptions.FindByID(ctx, cmd.PrescriptionID)
	if err != nil {
		return nil, domain.NewStorageError("find prescription", err)
	}
	if current == nil {
		return nil, &domain.NotFoundError{Resource: "prescription", ID: cmd.PrescriptionID}
	}
	if current.Status != prescription.StatusPending {
		return nil, fillStateError(current.ID, current.Status)
	}

	ph, err := s.repos.Pharmacists.FindByID(ctx, cmd.PharmacistID)
	if err != nil {
		return nil, domain.NewStorageError("find pharmacist", err)
	}
	if ph == nil {
		return nil, &domain.ReferenceNotFoundError{Reference: "pharmacist", ID: cmd.PharmacistID}
	}

	p, err = s.repos.Prescriptions.MarkFilled(ctx, current.ID, ph.ID, s.now())
	switch {
	case errors.Is(err, prescription.ErrNotPending):
		// another fill won the race after our read
		return nil, fillStateError(current.ID, prescription.StatusFilled)
	case errors.Is(err, prescription.ErrNotFound):
		return nil, &domain.NotFoundError{Resource: "prescription", ID: current.ID}
	case err != nil:
		return nil, domain.NewStorageError("mark prescription filled", err)
	}

	s.metrics.Filled()
	s.logger.Info("prescription filled",
		zap.String("prescription_id", p.ID.String()),
		zap.String("pharmacist_id", ph.ID.String()))
	return p, nil
}

// Get returns one prescription
func (s *PrescriptionService) Get(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	p, err := s.repos.Prescriptions.FindByID(ctx, id)
	if err != nil {
		return nil, domain.NewStorageError("find prescription", err)
	}
	if p == nil {
		return nil, &domain.NotFoundError{Resource: "prescription", ID: id}
	}
	return p, nil
}

// List returns every prescription in creation order
func (s *PrescriptionService) List(ctx context.Context) ([]*prescription.Prescription, error) {
	list, err := s.repos.Prescriptions.List(ctx)
	if err != nil {
		return nil, domain.NewStorageError("list prescriptions", err)
	}
	return list, nil
}

// History returns the audit trail of a prescription, oldest first. Without an
// audit log it is always empty.
func (s *PrescriptionService) History(ctx context.Context, id uuid.UUID) ([]audit.Entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.auditLog == nil {
		return []audit.Entry{}, nil
	}
	entries, err := s.auditLog.History(ctx, id)
	if err != nil {
		return nil, domain.NewStorageError("prescription history", err)
	}
	return entries, nil
}

func fillStateError(id uuid.UUID, status prescription.Status) error {
	return &domain.InvalidStateError{
		Resource: "prescription",
		ID:       id,
		Status:   string(status),
		Action:   "fill",
	}
}

func (s *PrescriptionService) finish(span trace.Span, operation string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	reason := FailureReason(err)
	s.metrics.Failure(operation, reason)
	span.SetAttributes(attribute.String("failure_reason", reason))
	if reason == "storage" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error(fmt.Sprintf("%s failed", operation), zap.Error(err))
		return
	}
	s.logger.Debug(fmt.Sprintf("%s rejected", operation), zap.String("reason", reason), zap.Error(err))
}

// FailureReason classifies err into a short label for metrics and logs.
func FailureReason(err error) string {
	var (
		ve *domain.ValidationError
		re *domain.ReferenceNotFoundError
		ne *domain.NotFoundError
		ie *domain.InvalidStateError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &re):
		return "reference_not_found"
	case errors.As(err, &ne):
		return "not_found"
	case errors.As(err, &ie):
		return "invalid_state"
	default:
		return "storage"
	}
}
