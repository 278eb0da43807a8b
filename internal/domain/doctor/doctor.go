// Package doctor defines the prescriber entity.
package doctor

import (
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// Doctor is a registered prescriber
type Doctor struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty string    `json:"specialty"`
	CreatedAt time.Time `json:"created_at"`
}

// New validates the fields and assigns a fresh identifier.
func New(name, specialty string, now time.Time) (*Doctor, error) {
	name, err := domain.RequireText("name", name, domain.MaxNameLength)
	if err != nil {
		return nil, err
	}
	specialty, err = domain.RequireText("specialty", specialty, domain.MaxNameLength)
	if err != nil {
		return nil, err
	}

	return &Doctor{
		ID:        uuid.New(),
		Name:      name,
		Specialty: specialty,
		CreatedAt: now.UTC(),
	}, nil
}
