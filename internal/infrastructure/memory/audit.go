package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/audit"
	"github.com/drfirst/go-erx/internal/domain"
)

// AuditLog keeps audit entries in memory
type AuditLog struct {
	mu      sync.RWMutex
	seen    map[uuid.UUID]struct{}
	entries []audit.Entry
	now     func() time.Time
}

func NewAuditLog() *AuditLog {
	return &AuditLog{
		seen: make(map[uuid.UUID]struct{}),
		now:  time.Now,
	}
}

func (a *AuditLog) Append(ctx context.Context, e audit.Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, domain.NewStorageError("insert audit entry", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.seen[e.EventID]; dup {
		return false, nil
	}
	e.RecordedAt = a.now().UTC()
	a.seen[e.EventID] = struct{}{}
	a.entries = append(a.entries, e)
	return true, nil
}

func (a *AuditLog) History(ctx context.Context, prescriptionID uuid.UUID) ([]audit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStorageError("select audit history", err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]audit.Entry, 0)
	for _, e := range a.entries {
		if e.PrescriptionID == prescriptionID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

var _ audit.Store = (*AuditLog)(nil)
