// Package memory provides process-local repositories for tests and local runs.
// Every repository keeps insertion order and hands out copies so callers
// cannot mutate stored rows.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain"
)

// table is an ordered map guarded by a RWMutex.
type table[T any] struct {
	mu    sync.RWMutex
	rows  map[uuid.UUID]T
	order []uuid.UUID
	clone func(T) T
}

func newTable[T any](clone func(T) T) *table[T] {
	return &table[T]{
		rows:  make(map[uuid.UUID]T),
		clone: clone,
	}
}

func (t *table[T]) insert(ctx context.Context, resource string, id uuid.UUID, row T) error {
	if err := ctx.Err(); err != nil {
		return domain.NewStorageError("insert "+resource, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rows[id]; exists {
		return domain.NewStorageError("insert "+resource, fmt.Errorf("duplicate id %s", id))
	}
	t.rows[id] = t.clone(row)
	t.order = append(t.order, id)
	return nil
}

func (t *table[T]) get(ctx context.Context, resource string, id uuid.UUID) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, domain.NewStorageError("select "+resource, err)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[id]
	if !ok {
		return zero, false, nil
	}
	return t.clone(row), true, nil
}

func (t *table[T]) list(ctx context.Context, resource string) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewStorageError("list "+resource, err)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]T, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.clone(t.rows[id]))
	}
	return out, nil
}

// update applies fn to the stored row under the write lock. The row is only
// replaced when fn returns nil.
func (t *table[T]) update(ctx context.Context, resource string, id uuid.UUID, fn func(T) (T, error)) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, domain.NewStorageError("update "+resource, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[id]
	if !ok {
		return zero, false, nil
	}
	next, err := fn(t.clone(row))
	if err != nil {
		return zero, true, err
	}
	t.rows[id] = next
	return t.clone(next), true, nil
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
