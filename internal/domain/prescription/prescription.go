// Package prescription implements the prescription entity and its lifecycle.
package prescription

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// Status represents prescription status
type Status string

const (
	StatusPending Status = "pending"
	StatusFilled  Status = "filled"
)

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusFilled:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned by repositories when a transition targets a missing row.
	ErrNotFound = errors.New("prescription not found")
	// ErrNotPending is returned when a transition requires Pending and the
	// prescription is in any other status.
	ErrNotPending = errors.New("prescription is not pending")
)

// Prescription links a doctor, a patient and a drug. FilledAt and PharmacistID
// are nil until the prescription is filled and are set together.
type Prescription struct {
	ID           uuid.UUID  `json:"id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	DrugID       uuid.UUID  `json:"drug_id"`
	Quantity     int        `json:"quantity"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	FilledAt     *time.Time `json:"filled_at,omitempty"`
	PharmacistID *uuid.UUID `json:"pharmacist_id,omitempty"`
}

// MaxQuantity is the largest quantity the quantity column can hold.
const MaxQuantity = math.MaxInt32

// ValidateQuantity rejects quantities outside 1..MaxQuantity
func ValidateQuantity(quantity int) error {
	switch {
	case quantity <= 0:
		return domain.NewValidationError("quantity", "must be a positive integer")
	case quantity > MaxQuantity:
		return domain.NewValidationError("quantity", fmt.Sprintf("must not exceed %d", MaxQuantity))
	}
	return nil
}

// New creates a Pending prescription with a fresh identifier.
func New(doctorID, patientID, drugID uuid.UUID, quantity int, now time.Time) (*Prescription, error) {
	if err := ValidateQuantity(quantity); err != nil {
		return nil, err
	}
	refs := []struct {
		field string
		id    uuid.UUID
	}{
		{"doctor_id", doctorID},
		{"patient_id", patientID},
		{"drug_id", drugID},
	}
	for _, r := range refs {
		if r.id == uuid.Nil {
			return nil, domain.NewValidationError(r.field, "is required")
		}
	}

	return &Prescription{
		ID:        uuid.New(),
		DoctorID:  doctorID,
		PatientID: patientID,
		DrugID:    drugID,
		Quantity:  quantity,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}, nil
}

// IsFilled reports whether the prescription reached its terminal status
func (p *Prescription) IsFilled() bool { return p.Status == StatusFilled }

// Fill moves a Pending prescription to Filled. It is the in-memory half of the
// transition; repositories must apply it as a conditional write.
func (p *Prescription) Fill(pharmacistID uuid.UUID, at time.Time) error {
	if p.Status != StatusPending {
		return ErrNotPending
	}
	if pharmacistID == uuid.Nil {
		return domain.NewValidationError("pharmacist_id", "is required")
	}

	filledAt := at.UTC()
	p.Status = StatusFilled
	p.FilledAt = &filledAt
	p.PharmacistID = &pharmacistID
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state through
// the nullable fields.
func (p *Prescription) Clone() *Prescription {
	c := *p
	if p.FilledAt != nil {
		t := *p.FilledAt
		c.FilledAt = &t
	}
	if p.PharmacistID != nil {
		id := *p.PharmacistID
		c.PharmacistID = &id
	}
	return &c
}
