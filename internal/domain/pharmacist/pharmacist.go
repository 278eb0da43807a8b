// Package pharmacist defines the entity that fills prescriptions.
package pharmacist

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// Pharmacist fills prescriptions on behalf of a pharmacy
type Pharmacist struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Pharmacy  string    `json:"pharmacy"`
	CreatedAt time.Time `json:"created_at"`
}

// New validates the fields and assigns a fresh identifier.
func New(name, pharmacy string, now time.Time) (*Pharmacist, error) {
	name, err := domain.RequireText("name", name, domain.MaxNameLength)
	if err != nil {
		return nil, err
	}
	pharmacy, err = domain.RequireText("pharmacy", pharmacy, domain.MaxNameLength)
	if err != nil {
		return nil, err
	}

	return &Pharmacist{
		ID:        uuid.New(),
		Name:      name,
		Pharmacy:  pharmacy,
		CreatedAt: now.UTC(),
	}, nil
}
