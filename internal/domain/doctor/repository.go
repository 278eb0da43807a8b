package doctor

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the system of record for doctors.
type Repository interface {
	// Create persists a new doctor and returns its id.
	Create(ctx context.Context, d *Doctor) (uuid.UUID, error)

	// FindByID returns nil, nil when no doctor has the id.
	FindByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	// List returns every doctor in insertion order.
	List(ctx context.Context) ([]*Doctor, error)
}
