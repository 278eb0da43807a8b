package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/observability/metrics"
)

// relayLockID is the transaction scoped advisory lock that elects the single
// active relay.
const relayLockID = int64(0x65727872656c6179)

// OutboxEntry is one event waiting to be published
type OutboxEntry struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     json.RawMessage
	Topic       string
	Key         string
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
}

const entryColumns = `id, aggregate_id, event_type, payload, topic, message_key, attempts, last_error, created_at`

func scanEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	err := row.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload, &e.Topic, &e.Key, &e.Attempts, &e.LastError, &e.CreatedAt)
	return e, err
}

// WriteEntry inserts entry inside tx, which must be the transaction of the
// state change the entry describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.AggregateID, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	// BatchSize is the number of entries published per poll
	BatchSize int
	// PollInterval is how often the table is polled
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead lettered
	MaxRetries int
	// RetryBackoff is the delay after the first failure; it doubles per attempt
	RetryBackoff time.Duration
	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration
	// Retention is how long published entries are kept
	Retention time.Duration
	// MaintenanceInterval is how often dead lettering, cleanup and stats run
	MaintenanceInterval time.Duration
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        100 * time.Millisecond,
		MaxRetries:          5,
		RetryBackoff:        time.Second,
		MaxBackoff:          5 * time.Minute,
		Retention:           24 * time.Hour,
		MaintenanceInterval: time.Minute,
		DeadLetterTopic:     "dead.letter",
	}
}

// backoff returns the delay before attempt+1
func (c OutboxConfig) backoff(attempt int) time.Duration {
	d := c.RetryBackoff
	for i := 1; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// OutboxPublisher delivers one message
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed entries to the broker. Entries of one aggregate are
// published in insertion order: a failing entry holds back the later entries
// of its aggregate until it is delivered or dead lettered.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates the relay; zero config fields take their defaults.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling in the background
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval),
		zap.Int("max_retries", o.config.MaxRetries))
}

// Stop waits for the in-flight batch to finish
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) loop() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(o.config.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-poll.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			o.maintain(o.ctx)
		}
	}
}

func (o *Outbox) maintain(ctx context.Context) {
	if n, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter pass failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Warn("outbox entries dead lettered", zap.Int64("count", n))
	}
	if n, err := o.CleanupPublished(ctx, o.config.Retention); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if n > 0 {
		o.logger.Info("outbox cleanup completed", zap.Int64("deleted", n))
	}
	if stats, err := o.GetStats(ctx); err == nil {
		o.metrics.SetOutboxPending(stats.Pending)
	}
}

// ProcessBatch publishes the entries that are due and returns how many were
// delivered. It does nothing while another relay holds the advisory lock.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay_batch")
	defer span.End()

	delivered := 0
	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		var leader bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&leader); err != nil {
			return fmt.Errorf("relay lock: %w", err)
		}
		span.SetAttributes(attribute.Bool("outbox.leader", leader))
		if !leader {
			return nil
		}

		entries, err := o.due(ctx, tx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("outbox.batch_size", len(entries)))

		held := make(map[string]bool)
		for _, e := range entries {
			if held[e.AggregateID] {
				continue
			}
			if err := o.deliver(ctx, tx, e); err != nil {
				held[e.AggregateID] = true
				o.logger.Warn("outbox publish failed",
					zap.Int64("id", e.ID),
					zap.String("event_type", e.EventType),
					zap.Int("attempt", e.Attempts+1),
					zap.Error(err))
				continue
			}
			delivered++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return delivered, err
}

// due selects pending entries whose retry time has come, skipping any entry
// with an earlier entry of the same aggregate still waiting.
func (o *Outbox) due(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+entryColumns+`
		FROM outbox o
		WHERE o.published_at IS NULL
		  AND o.dead_lettered_at IS NULL
		  AND o.attempts < $1
		  AND o.next_attempt_at <= NOW()
		  AND NOT EXISTS (
		      SELECT 1 FROM outbox w
		      WHERE w.aggregate_id = o.aggregate_id
		        AND w.id < o.id
		        AND w.published_at IS NULL
		        AND w.dead_lettered_at IS NULL
		        AND (w.next_attempt_at > NOW() OR w.attempts >= $1))
		ORDER BY o.id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select due entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("scan due entries: %w", err)
	}
	return entries, nil
}

func (o *Outbox) deliver(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox.publish",
		trace.WithAttributes(
			attribute.Int64("outbox.id", e.ID),
			attribute.String("outbox.event_type", e.EventType),
			attribute.String("messaging.destination", e.Topic),
		))
	defer span.End()

	if pubErr := o.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); pubErr != nil {
		span.RecordError(pubErr)
		span.SetStatus(codes.Error, pubErr.Error())
		wait := o.config.backoff(e.Attempts + 1)
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET attempts = attempts + 1,
			    last_error = $1,
			    next_attempt_at = NOW() + make_interval(secs => $2)
			WHERE id = $3`, pubErr.Error(), wait.Seconds(), e.ID); err != nil {
			return fmt.Errorf("record failed attempt: %w", err)
		}
		return pubErr
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = $1`, e.ID); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	o.metrics.Published()
	return nil
}

// DeadLetter is the envelope published for an entry that exhausted its retries
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// takes them out of the relay. An entry whose dead letter publish fails stays
// in place for the next pass.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var moved int64
	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+entryColumns+`
			FROM outbox
			WHERE published_at IS NULL AND dead_lettered_at IS NULL AND attempts >= $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED`, o.config.MaxRetries)
		if err != nil {
			return fmt.Errorf("select exhausted entries: %w", err)
		}
		entries, err := pgx.CollectRows(rows, scanEntry)
		if err != nil {
			return fmt.Errorf("scan exhausted entries: %w", err)
		}

		for _, e := range entries {
			payload, err := json.Marshal(DeadLetter{
				OriginalTopic: e.Topic,
				EventType:     e.EventType,
				AggregateID:   e.AggregateID,
				Payload:       e.Payload,
				Attempts:      e.Attempts,
				LastError:     e.LastError,
				CreatedAt:     e.CreatedAt,
			})
			if err != nil {
				return fmt.Errorf("encode dead letter %d: %w", e.ID, err)
			}
			if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.Key, payload); err != nil {
				o.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET dead_lettered_at = NOW() WHERE id = $1`, e.ID); err != nil {
				return fmt.Errorf("mark dead lettered %d: %w", e.ID, err)
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// CleanupPublished deletes entries published more than olderThan ago. Dead
// lettered entries are kept for inspection.
func (o *Outbox) CleanupPublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE published_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox table
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Retrying      int64      `json:"retrying"`
	DeadLettered  int64      `json:"dead_lettered"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE published_at IS NULL AND dead_lettered_at IS NULL),
			COUNT(*) FILTER (WHERE published_at IS NULL AND dead_lettered_at IS NULL AND attempts > 0),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL),
			MIN(created_at) FILTER (WHERE published_at IS NULL AND dead_lettered_at IS NULL)
		FROM outbox`).Scan(&stats.Pending, &stats.Retrying, &stats.DeadLettered, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
