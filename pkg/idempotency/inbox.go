// Package idempotency runs message handlers at most once per idempotency key.
//
// Every handler owns its own key space in the inbox table, so one event can be
// consumed independently by several handlers. A key moves through
//
//	STARTED -> FINISHED
//	STARTED -> RECOVERABLE -> STARTED ...
//	STARTED -> FAILED
//
// and a STARTED row that has not been touched for RecoveryTimeout is treated
// as abandoned by a crashed worker and may be claimed again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of one key
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// DefaultTTL is how long a key is remembered after it was first claimed
	DefaultTTL time.Duration
	// CleanupInterval is how often expired keys are purged
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED key may stay untouched
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// ErrMessageInProgress means another worker holds a live claim on the key.
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ProcessResult describes a Process call that did not fail
type ProcessResult struct {
	// IsNew is true when this call ran the handler for the first time
	IsNew bool
	// WasRecovered is true when this call re-ran a handler after an earlier
	// recoverable failure or an abandoned claim
	WasRecovered bool
	// Attempts counts the claims on the key, this one included
	Attempts int
	// Result is the handler's output, or the stored output for a duplicate
	Result json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so that the inbox records the key as FAILED instead of
// RECOVERABLE. Later deliveries of the key fail without running the handler.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Key derives a deterministic idempotency key from a handler name and the
// identifying parts of a message.
func Key(handlerName string, parts ...string) string {
	sum := sha256.Sum256([]byte(handlerName + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Inbox is the PostgreSQL backed deduplication table
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox. StartCleanup must be called for expired keys to
// be purged.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("idempotency-inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process claims key for handlerName and runs fn once the claim is held. A
// key already FINISHED returns its stored result without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency.key", key),
			attribute.String("idempotency.handler", handlerName),
		))
	defer span.End()

	attempts, claimed, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !claimed {
		return i.unclaimed(ctx, span, key, handlerName)
	}
	span.SetAttributes(attribute.Int("idempotency.attempts", attempts))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.release(ctx, key, handlerName, status, detail); err != nil {
			i.logger.Error("failed to release inbox claim",
				zap.String("handler", handlerName),
				zap.String("status", string(status)),
				zap.Error(err))
		}
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		return nil, handlerErr
	}

	// fn already took effect; a lost FINISHED write only costs a rerun
	if err := i.release(ctx, key, handlerName, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark inbox key finished",
			zap.String("handler", handlerName),
			zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        attempts == 1,
		WasRecovered: attempts > 1,
		Attempts:     attempts,
		Result:       result,
	}, nil
}

// claim inserts the key as STARTED or takes over a RECOVERABLE or abandoned
// one in a single statement. claimed is false when another state holds.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (attempts int, claimed bool, err error) {
	err = i.pool.QueryRow(ctx, `
		INSERT INTO inbox (handler_name, idempotency_key, status, payload, attempts, expires_at)
		VALUES ($1, $2, 'STARTED', $3, 1, NOW() + make_interval(secs => $4))
		ON CONFLICT (handler_name, idempotency_key) DO UPDATE
		SET status = 'STARTED', attempts = inbox.attempts + 1, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
		RETURNING attempts`,
		handlerName, key, payload, i.config.DefaultTTL.Seconds(), i.config.RecoveryTimeout.Seconds(),
	).Scan(&attempts)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("claim inbox key: %w", err)
	}
	return attempts, true, nil
}

// unclaimed explains why a claim was refused.
func (i *Inbox) unclaimed(ctx context.Context, span trace.Span, key, handlerName string) (*ProcessResult, error) {
	var (
		status   Status
		attempts int
		result   json.RawMessage
	)
	err := i.pool.QueryRow(ctx, `
		SELECT status, attempts, result FROM inbox
		WHERE handler_name = $1 AND idempotency_key = $2`,
		handlerName, key,
	).Scan(&status, &attempts, &result)
	if err != nil {
		// the row expired between the claim and this read
		return nil, fmt.Errorf("read inbox key: %w", err)
	}

	span.SetAttributes(attribute.String("idempotency.status", string(status)))
	switch status {
	case StatusFinished:
		return &ProcessResult{Attempts: attempts, Result: result}, nil
	case StatusFailed:
		return nil, Terminal(fmt.Errorf("message previously failed permanently: %s", key))
	default:
		return nil, ErrMessageInProgress
	}
}

func (i *Inbox) release(ctx context.Context, key, handlerName string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE handler_name = $3 AND idempotency_key = $4`,
		status, result, handlerName, key)
	return err
}

// StartCleanup starts the background purge of expired keys
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Warn("abandoned inbox claims released", zap.Int64("count", n))
			}
			if n, err := i.Purge(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}

// Purge deletes expired keys. A purged key is processed again if its message
// is redelivered.
func (i *Inbox) Purge(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecoverStaleEntries marks abandoned STARTED keys as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < NOW() - make_interval(secs => $1)`,
		i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InboxStats counts keys per handler and status
type InboxStats struct {
	Total     int64                       `json:"total"`
	ByHandler map[string]map[Status]int64 `json:"by_handler"`
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*InboxStats, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT handler_name, status, COUNT(*) FROM inbox
		GROUP BY handler_name, status`)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	defer rows.Close()

	stats := &InboxStats{ByHandler: make(map[string]map[Status]int64)}
	for rows.Next() {
		var (
			handler string
			status  Status
			n       int64
		)
		if err := rows.Scan(&handler, &status, &n); err != nil {
			return nil, fmt.Errorf("inbox stats: %w", err)
		}
		if stats.ByHandler[handler] == nil {
			stats.ByHandler[handler] = make(map[Status]int64)
		}
		stats.ByHandler[handler][status] = n
		stats.Total += n
	}
	return stats, rows.Err()
}
