package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/domain/doctor"
	"github.com/drfirst/go-erx/internal/domain/drug"
	"github.com/drfirst/go-erx/internal/domain/patient"
	"github.com/drfirst/go-erx/internal/domain/pharmacist"
)

// RegistrationService creates and looks up the reference entities.
type RegistrationService struct {
	repos  Repositories
	now    func() time.Time
	logger *zap.Logger
}

func NewRegistrationService(repos Repositories, logger *zap.Logger, opts ...Option) *RegistrationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)
	return &RegistrationService{repos: repos, now: o.now, logger: logger}
}

// RegisterDoctorCommand carries the input of RegisterDoctor
type RegisterDoctorCommand struct {
	Name      string
	Specialty string
}

// RegisterPatientCommand carries the input of RegisterPatient
type RegisterPatientCommand struct {
	Name        string
	DateOfBirth time.Time
}

// RegisterPharmacistCommand carries the input of RegisterPharmacist
type RegisterPharmacistCommand struct {
	Name     string
	Pharmacy string
}

// RegisterDrugCommand carries the input of RegisterDrug
type RegisterDrugCommand struct {
	Name   string
	Dosage string
}

func (s *RegistrationService) RegisterDoctor(ctx context.Context, cmd RegisterDoctorCommand) (*doctor.Doctor, error) {
	d, err := doctor.New(cmd.Name, cmd.Specialty, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Doctors.Create(ctx, d); err != nil {
		return nil, domain.NewStorageError("create doctor", err)
	}
	s.logger.Info("doctor registered", zap.String("doctor_id", d.ID.String()))
	return d, nil
}

func (s *RegistrationService) GetDoctor(ctx context.Context, id uuid.UUID) (*doctor.Doctor, error) {
	return get(ctx, "doctor", id, s.repos.Doctors.FindByID)
}

func (s *RegistrationService) ListDoctors(ctx context.Context) ([]*doctor.Doctor, error) {
	return list(ctx, "doctors", s.repos.Doctors.List)
}

func (s *RegistrationService) RegisterPatient(ctx context.Context, cmd RegisterPatientCommand) (*patient.Patient, error) {
	p, err := patient.New(cmd.Name, cmd.DateOfBirth, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Patients.Create(ctx, p); err != nil {
		return nil, domain.NewStorageError("create patient", err)
	}
	s.logger.Info("patient registered", zap.String("patient_id", p.ID.String()))
	return p, nil
}

func (s *RegistrationService) GetPatient(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	return get(ctx, "patient", id, s.repos.Patients.FindByID)
}

func (s *RegistrationService) ListPatients(ctx context.Context) ([]*patient.Patient, error) {
	return list(ctx, "patients", s.repos.Patients.List)
}

func (s *RegistrationService) RegisterPharmacist(ctx context.Context, cmd RegisterPharmacistCommand) (*pharmacist.Pharmacist, error) {
	p, err := pharmacist.New(cmd.Name, cmd.Pharmacy, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Pharmacists.Create(ctx, p); err != nil {
		return nil, domain.NewStorageError("create pharmacist", err)
	}
	s.logger.Info("pharmacist registered", zap.String("pharmacist_id", p.ID.String()))
	return p, nil
}

func (s *RegistrationService) GetPharmacist(ctx context.Context, id uuid.UUID) (*pharmacist.Pharmacist, error) {
	return get(ctx, "pharmacist", id, s.repos.Pharmacists.FindByID)
}

func (s *RegistrationService) ListPharmacists(ctx context.Context) ([]*pharmacist.Pharmacist, error) {
	return list(ctx, "pharmacists", s.repos.Pharmacists.List)
}

func (s *RegistrationService) RegisterDrug(ctx context.Context, cmd RegisterDrugCommand) (*drug.Drug, error) {
	d, err := drug.New(cmd.Name, cmd.Dosage, s.now())
	if err != nil {
		return nil, err
	}
	if _, err := s.repos.Drugs.Create(ctx, d); err != nil {
		return nil, domain.NewStorageError("create drug", err)
	}
	s.logger.Info("drug registered", zap.String("drug_id", d.ID.String()))
	return d, nil
}

func (s *RegistrationService) GetDrug(ctx context.Context, id uuid.UUID) (*drug.Drug, error) {
	return get(ctx, "drug", id, s.repos.Drugs.FindByID)
}

func (s *RegistrationService) ListDrugs(ctx context.Context) ([]*drug.Drug, error) {
	return list(ctx, "drugs", s.repos.Drugs.List)
}

func get[T any](ctx context.Context, resource string, id uuid.UUID, find func(context.Context, uuid.UUID) (*T, error)) (*T, error) {
	v, err := find(ctx, id)
	if err != nil {
		return nil, domain.NewStorageError("find "+resource, err)
	}
	if v == nil {
		return nil, &domain.NotFoundError{Resource: resource, ID: id}
	}
	return v, nil
}

func list[T any](ctx context.Context, resource string, all func(context.Context) ([]*T, error)) ([]*T, error) {
	v, err := all(ctx)
	if err != nil {
		return nil, domain.NewStorageError("list "+resource, err)
	}
	return v, nil
}
