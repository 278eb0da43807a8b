// Package postgres provides PostgreSQL infrastructure components: the entity
// repositories, the schema migrator, the audit log and the transactional
// outbox used for reliable event publishing.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-erx/internal/domain"
)

// NewPool opens a connection pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// PostgreSQL error codes inspected by the repositories.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// storageError wraps err as a domain.StorageError, naming the violated
// constraint when the engine reports one.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			err = fmt.Errorf("unique violation on %s: %w", pgErr.ConstraintName, err)
		case codeForeignKeyViolation:
			err = fmt.Errorf("foreign key violation on %s: %w", pgErr.ConstraintName, err)
		case codeCheckViolation:
			err = fmt.Errorf("check violation on %s: %w", pgErr.ConstraintName, err)
		}
	}
	return domain.NewStorageError(op, err)
}

// findOne runs a single-row query. A missing row yields nil, nil.
func findOne[T any](ctx context.Context, pool *pgxpool.Pool, op, query string, scan func(pgx.Row) (*T, error), args ...any) (*T, error) {
	v, err := scan(pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(op, err)
	}
	return v, nil
}

// listAll runs a multi-row query and scans every row.
func listAll[T any](ctx context.Context, pool *pgxpool.Pool, op, query string, scan func(pgx.Row) (*T, error), args ...any) ([]*T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}
