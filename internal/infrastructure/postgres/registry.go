package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-erx/internal/domain/doctor"
	"github.com/drfirst/go-erx/internal/domain/drug"
	"github.com/drfirst/go-erx/internal/domain/patient"
	"github.com/drfirst/go-erx/internal/domain/pharmacist"
)

var tracer = otel.Tracer("postgres")

func startSpan(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("db.system", "postgresql")}
	if id != uuid.Nil {
		attrs = append(attrs, attribute.String("entity_id", id.String()))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// DoctorRepository persists doctors
type DoctorRepository struct {
	pool *pgxpool.Pool
}

func NewDoctorRepository(pool *pgxpool.Pool) *DoctorRepository {
	return &DoctorRepository{pool: pool}
}

func scanDoctor(row pgx.Row) (*doctor.Doctor, error) {
	d := &doctor.Doctor{}
	if err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DoctorRepository) Create(ctx context.Context, d *doctor.Doctor) (uuid.UUID, error) {
	ctx, span := startSpan(ctx, "doctors.create", d.ID)
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO doctors (id, name, specialty, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.Name, d.Specialty, d.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, storageError("insert doctor", err)
	}
	return d.ID, nil
}

func (r *DoctorRepository) FindByID(ctx context.Context, id uuid.UUID) (*doctor.Doctor, error) {
	ctx, span := startSpan(ctx, "doctors.find", id)
	defer span.End()
	return findOne(ctx, r.pool, "select doctor",
		`SELECT id, name, specialty, created_at FROM doctors WHERE id = $1`, scanDoctor, id)
}

func (r *DoctorRepository) List(ctx context.Context) ([]*doctor.Doctor, error) {
	ctx, span := startSpan(ctx, "doctors.list", uuid.Nil)
	defer span.End()
	return listAll(ctx, r.pool, "list doctors",
		`SELECT id, name, specialty, created_at FROM doctors ORDER BY seq`, scanDoctor)
}

// PatientRepository persists patients
type PatientRepository struct {
	pool *pgxpool.Pool
}

func NewPatientRepository(pool *pgxpool.Pool) *PatientRepository {
	return &PatientRepository{pool: pool}
}

func scanPatient(row pgx.Row) (*patient.Patient, error) {
	p := &patient.Patient{}
	if err := row.Scan(&p.ID, &p.Name, &p.DateOfBirth, &p.CreatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PatientRepository) Create(ctx context.Context, p *patient.Patient) (uuid.UUID, error) {
	ctx, span := startSpan(ctx, "patients.create", p.ID)
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO patients (id, name, date_of_birth, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.DateOfBirth, p.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, storageError("insert patient", err)
	}
	return p.ID, nil
}

func (r *PatientRepository) FindByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error) {
	ctx, span := startSpan(ctx, "patients.find", id)
	defer span.End()
	return findOne(ctx, r.pool, "select patient",
		`SELECT id, name, date_of_birth, created_at FROM patients WHERE id = $1`, scanPatient, id)
}

func (r *PatientRepository) List(ctx context.Context) ([]*patient.Patient, error) {
	ctx, span := startSpan(ctx, "patients.list", uuid.Nil)
	defer span.End()
	return listAll(ctx, r.pool, "list patients",
		`SELECT id, name, date_of_birth, created_at FROM patients ORDER BY seq`, scanPatient)
}

// PharmacistRepository persists pharmacists
type PharmacistRepository struct {
	pool *pgxpool.Pool
}

func NewPharmacistRepository(pool *pgxpool.Pool) *PharmacistRepository {
	return &PharmacistRepository{pool: pool}
}

func scanPharmacist(row pgx.Row) (*pharmacist.Pharmacist, error) {
	p := &pharmacist.Pharmacist{}
	if err := row.Scan(&p.ID, &p.Name, &p.Pharmacy, &p.CreatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PharmacistRepository) Create(ctx context.Context, p *pharmacist.Pharmacist) (uuid.UUID, error) {
	ctx, span := startSpan(ctx, "pharmacists.create", p.ID)
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO pharmacists (id, name, pharmacy, created_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.Pharmacy, p.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, storageError("insert pharmacist", err)
	}
	return p.ID, nil
}

func (r *PharmacistRepository) FindByID(ctx context.Context, id uuid.UUID) (*pharmacist.Pharmacist, error) {
	ctx, span := startSpan(ctx, "pharmacists.find", id)
	defer span.End()
	return findOne(ctx, r.pool, "select pharmacist",
		`SELECT id, name, pharmacy, created_at FROM pharmacists WHERE id = $1`, scanPharmacist, id)
}

func (r *PharmacistRepository) List(ctx context.Context) ([]*pharmacist.Pharmacist, error) {
	ctx, span := startSpan(ctx, "pharmacists.list", uuid.Nil)
	defer span.End()
	return listAll(ctx, r.pool, "list pharmacists",
		`SELECT id, name, pharmacy, created_at FROM pharmacists ORDER BY seq`, scanPharmacist)
}

// DrugRepository persists drugs
type DrugRepository struct {
	pool *pgxpool.Pool
}

func NewDrugRepository(pool *pgxpool.Pool) *DrugRepository {
	return &DrugRepository{pool: pool}
}

func scanDrug(row pgx.Row) (*drug.Drug, error) {
	d := &drug.Drug{}
	if err := row.Scan(&d.ID, &d.Name, &d.Dosage, &d.CreatedAt); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DrugRepository) Create(ctx context.Context, d *drug.Drug) (uuid.UUID, error) {
	ctx, span := startSpan(ctx, "drugs.create", d.ID)
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO drugs (id, name, dosage, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.Name, d.Dosage, d.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, storageError("insert drug", err)
	}
	return d.ID, nil
}

func (r *DrugRepository) FindByID(ctx context.Context, id uuid.UUID) (*drug.Drug, error) {
	ctx, span := startSpan(ctx, "drugs.find", id)
	defer span.End()
	return findOne(ctx, r.pool, "select drug",
		`SELECT id, name, dosage, created_at FROM drugs WHERE id = $1`, scanDrug, id)
}

func (r *DrugRepository) List(ctx context.Context) ([]*drug.Drug, error) {
	ctx, span := startSpan(ctx, "drugs.list", uuid.Nil)
	defer span.End()
	return listAll(ctx, r.pool, "list drugs",
		`SELECT id, name, dosage, created_at FROM drugs ORDER BY seq`, scanDrug)
}

var (
	_ doctor.Repository     = (*DoctorRepository)(nil)
	_ patient.Repository    = (*PatientRepository)(nil)
	_ pharmacist.Repository = (*PharmacistRepository)(nil)
	_ drug.Repository       = (*DrugRepository)(nil)
)
