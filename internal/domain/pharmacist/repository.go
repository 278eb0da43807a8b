package pharmacist

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the system of record for pharmacists.
type Repository interface {
	Create(ctx context.Context, p *Pharmacist) (uuid.UUID, error)
	// FindByID returns nil, nil when no pharmacist has the id.
	FindByID(ctx context.Context, id uuid.UUID) (*Pharmacist, error)
	List(ctx context.Context) ([]*Pharmacist, error)
}
