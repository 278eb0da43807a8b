package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-erx/internal/observability/metrics"
	"github.com/drfirst/go-erx/pkg/idempotency"
)

// HandlerName identifies the recorder in the idempotency inbox.
const HandlerName = "audit-recorder"

// Deduplicator runs fn at most once per key.
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Recorder turns published prescription events into audit log rows.
type Recorder struct {
	store   Store
	inbox   Deduplicator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRecorder creates a recorder. inbox may be nil, in which case the store's
// own event id uniqueness is the only deduplication.
func NewRecorder(store Store, inbox Deduplicator, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, inbox: inbox, metrics: m, logger: logger}
}

// Record decodes raw and appends it to the audit log. Malformed payloads are
// returned as terminal errors; redelivered events are skipped silently.
func (r *Recorder) Record(ctx context.Context, raw []byte) error {
	entry, err := EntryFromEvent(raw)
	if err != nil {
		return idempotency.Terminal(err)
	}

	appendFn := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		inserted, err := r.store.Append(ctx, entry)
		if err != nil {
			return nil, err
		}
		if inserted {
			r.metrics.AuditRecorded()
		}
		return json.Marshal(map[string]bool{"inserted": inserted})
	}

	if r.inbox == nil {
		_, err := appendFn(ctx, raw)
		return err
	}

	res, err := r.inbox.Process(ctx, idempotency.Key(HandlerName, entry.EventID.String()), HandlerName, raw, appendFn)
	if err != nil {
		return fmt.Errorf("record event %s: %w", entry.EventID, err)
	}

	switch {
	case res.WasRecovered:
		r.logger.Info("event recorded after retry",
			zap.String("event_id", entry.EventID.String()),
			zap.String("correlation_id", entry.CorrelationID),
			zap.Int("attempts", res.Attempts))
	case !res.IsNew:
		r.logger.Debug("event already recorded", zap.String("event_id", entry.EventID.String()))
	}
	return nil
}
