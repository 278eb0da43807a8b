// Package drug defines the prescribable substance entity.
package drug

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// maxDosageLength bounds the free-text dosage description.
const maxDosageLength = 255

// Drug is a prescribable substance
type Drug struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Dosage    string    `json:"dosage"` // e.g. "500mg tablet"
	CreatedAt time.Time `json:"created_at"`
}

// New validates the fields and assigns a fresh identifier.
func New(name, dosage string, now time.Time) (*Drug, error) {
	name, err := domain.RequireText("name", name, domain.MaxNameLength)
	if err != nil {
		return nil, err
	}
	dosage, err = domain.RequireText("dosage", dosage, maxDosageLength)
	if err != nil {
		return nil, err
	}

	return &Drug{
		ID:        uuid.New(),
		Name:      name,
		Dosage:    dosage,
		CreatedAt: now.UTC(),
	}, nil
}
