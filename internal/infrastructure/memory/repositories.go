package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
	"github.com/drfirst/go-erx/internal/domain/doctor"
	"github.com/drfirst/go-erx/internal/domain/drug"
	"github.com/drfirst/go-erx/internal/domain/patient"
	"github.com/drfirst/go-erx/internal/domain/pharmacist"
	"github.com/drfirst/go-erx/internal/domain/prescription"
)

func copyOf[T any](v *T) *T {
	c := *v
	return &c
}

// DoctorRepository stores doctors in memory
type DoctorRepository struct{ t *table[*doctor.Doctor] }

// NewDoctorRepository creates an empty doctor repository
func NewDoctorRepository() *DoctorRepository {
	return &DoctorRepository{t: newTable(copyOf[doctor.Doctor])}
}

func (r *DoctorRepository) Create(ctx context.Context, d *doctor.Doctor) (uuid.UUID, error) {
	if err := r.t.insert(ctx, "doctor", d.ID, d); err != nil {
		return uuid.Nil, err
	}
	return d.ID, nil
}

func (r *DoctorRepository) FindByID(ctx context.Context, id uuid.UUID) (*doctor.Doctor, error) {
	d, _, err := r.t.get(ctx, "doctor", id)
	return d, err
}

func (r *DoctorRepository) List(ctx context.Context) ([]*doctor.Doctor, error) {
	return r.t.list(ctx, "doctor")
}

// PatientRepository stores patients in memory
type PatientRepository struct{ t *table[*patient.Patient] }

// NewPatientRepository creates an empty patient repository
func NewPatientRepository() *PatientRepository {
	return &PatientRepository{t: newTable(copyOf[patient.Patient])}
}

func (r *PatientRepository) Create(ctx context.Context, p *patient.Patient) (uuid.UUID, error) {
	if err := r.t.insert(ctx, "patient", p.ID, p); err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

func (r *PatientRepository) FindByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, _, err := r.t.get(ctx, "patient", id)
	return p, err
}

func (r *PatientRepository) List(ctx context.Context) ([]*patient.Patient, error) {
	return r.t.list(ctx, "patient")
}

// PharmacistRepository stores pharmacists in memory
type PharmacistRepository struct{ t *table[*pharmacist.Pharmacist] }

// NewPharmacistRepository creates an empty pharmacist repository
func NewPharmacistRepository() *PharmacistRepository {
	return &PharmacistRepository{t: newTable(copyOf[pharmacist.Pharmacist])}
}

func (r *PharmacistRepository) Create(ctx context.Context, p *pharmacist.Pharmacist) (uuid.UUID, error) {
	if err := r.t.insert(ctx, "pharmacist", p.ID, p); err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

func (r *PharmacistRepository) FindByID(ctx context.Context, id uuid.UUID) (*pharmacist.Pharmacist, error) {
	p, _, err := r.t.get(ctx, "pharmacist", id)
	return p, err
}

func (r *PharmacistRepository) List(ctx context.Context) ([]*pharmacist.Pharmacist, error) {
	return r.t.list(ctx, "pharmacist")
}

// DrugRepository stores drugs in memory
type DrugRepository struct{ t *table[*drug.Drug] }

// NewDrugRepository creates an empty drug repository
func NewDrugRepository() *DrugRepository {
	return &DrugRepository{t: newTable(copyOf[drug.Drug])}
}

func (r *DrugRepository) Create(ctx context.Context, d *drug.Drug) (uuid.UUID, error) {
	if err := r.t.insert(ctx, "drug", d.ID, d); err != nil {
		return uuid.Nil, err
	}
	return d.ID, nil
}

func (r *DrugRepository) FindByID(ctx context.Context, id uuid.UUID) (*drug.Drug, error) {
	d, _, err := r.t.get(ctx, "drug", id)
	return d, err
}

func (r *DrugRepository) List(ctx context.Context) ([]*drug.Drug, error) {
	return r.t.list(ctx, "drug")
}

// PrescriptionRepository stores prescriptions in memory. MarkFilled runs the
// status check and the write under one lock.
type PrescriptionRepository struct {
	t *table[*prescription.Prescription]
}

// NewPrescriptionRepository creates an empty prescription repository
func NewPrescriptionRepository() *PrescriptionRepository {
	return &PrescriptionRepository{
		t: newTable(func(p *prescription.Prescription) *prescription.Prescription { return p.Clone() }),
	}
}

func (r *PrescriptionRepository) Create(ctx context.Context, p *prescription.Prescription) (uuid.UUID, error) {
	if p.Status != prescription.StatusPending {
		return uuid.Nil, domain.NewValidationError("status", "must be pending on create")
	}
	if err := r.t.insert(ctx, "prescription", p.ID, p); err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

func (r *PrescriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*prescription.Prescription, error) {
	p, _, err := r.t.get(ctx, "prescription", id)
	return p, err
}

func (r *PrescriptionRepository) List(ctx context.Context) ([]*prescription.Prescription, error) {
	return r.t.list(ctx, "prescription")
}

func (r *PrescriptionRepository) MarkFilled(ctx context.Context, id, pharmacistID uuid.UUID, filledAt time.Time) (*prescription.Prescription, error) {
	p, found, err := r.t.update(ctx, "prescription", id, func(p *prescription.Prescription) (*prescription.Prescription, error) {
		if err := p.Fill(pharmacistID, filledAt); err != nil {
			return nil, err
		}
		return p, nil
	})
	if !found && err == nil {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Len reports the number of stored prescriptions
func (r *PrescriptionRepository) Len() int { return r.t.len() }

var (
	_ doctor.Repository       = (*DoctorRepository)(nil)
	_ patient.Repository      = (*PatientRepository)(nil)
	_ pharmacist.Repository   = (*PharmacistRepository)(nil)
	_ drug.Repository         = (*DrugRepository)(nil)
	_ prescription.Repository = (*PrescriptionRepository)(nil)
)
