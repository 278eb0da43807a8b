package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the system of record for patients.
type Repository interface {
	Create(ctx context.Context, p *Patient) (uuid.UUID, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
}
