// Package patient defines the prescription recipient entity.
package patient

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// Patient is a registered prescription recipient
type Patient struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	DateOfBirth time.Time `json:"date_of_birth"`
	CreatedAt   time.Time `json:"created_at"`
}

// New validates the fields and assigns a fresh identifier. The date of birth is
// truncated to the calendar day in UTC.
func New(name string, dateOfBirth, now time.Time) (*Patient, error) {
	name, err := domain.RequireText("name", name, domain.MaxNameLength)
	if err != nil {
		return nil, err
	}
	if err := domain.RequirePastDate("date_of_birth", dateOfBirth, now); err != nil {
		return nil, err
	}

	dob := dateOfBirth.UTC()
	return &Patient{
		ID:          uuid.New(),
		Name:        name,
		DateOfBirth: time.Date(dob.Year(), dob.Month(), dob.Day(), 0, 0, 0, 0, time.UTC),
		CreatedAt:   now.UTC(),
	}, nil
}

// Age returns the patient's age in whole years at the given time.
func (p *Patient) Age(at time.Time) int {
	years := at.Year() - p.DateOfBirth.Year()
	if at.Month() < p.DateOfBirth.Month() ||
		(at.Month() == p.DateOfBirth.Month() && at.Day() < p.DateOfBirth.Day()) {
		years--
	}
	return years
}
