package drug

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the system of record for drugs.
type Repository interface {
	Create(ctx context.Context, d *Drug) (uuid.UUID, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Drug, error)
	List(ctx context.Context) ([]*Drug, error)
}
