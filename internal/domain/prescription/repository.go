package prescription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the system of record for prescriptions.
type Repository interface {
	// Create persists a new Pending prescription and returns its id.
	Create(ctx context.Context, p *Prescription) (uuid.UUID, error)

	// FindByID returns nil, nil when no prescription has the id.
	FindByID(ctx context.Context, id uuid.UUID) (*Prescription, error)

	// List returns every prescription in insertion order.
	List(ctx context.Context) ([]*Prescription, error)

	// MarkFilled atomically moves a Pending prescription to Filled and returns
	// the updated row. Exactly one of several concurrent callers succeeds; the
	// others get ErrNotPending. ErrNotFound is returned for a missing id.
	MarkFilled(ctx context.Context, id, pharmacistID uuid.UUID, filledAt time.Time) (*Prescription, error)
}
