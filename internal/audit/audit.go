// Package audit records prescription lifecycle events into an append-only log
// and serves the per-prescription history.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-erx/internal/domain/prescription"
)

// Entry is one row of the audit log. ActorID is the prescribing doctor for a
// PrescriptionPrescribed event and the pharmacist for a PrescriptionFilled one.
type Entry struct {
	EventID        uuid.UUID `json:"event_id"`
	EventType      string    `json:"event_type"`
	PrescriptionID uuid.UUID `json:"prescription_id"`
	ActorID        uuid.UUID `json:"actor_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	RecordedAt     time.Time `json:"recorded_at"`
	// CorrelationID is the request id of the API call that caused the event
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Store is the audit log persistence contract.
type Store interface {
	// Append stores e. It reports false without error when an entry with the
	// same event id already exists.
	Append(ctx context.Context, e Entry) (bool, error)

	// History returns the entries for one prescription, oldest first.
	History(ctx context.Context, prescriptionID uuid.UUID) ([]Entry, error)
}

// EntryFromEvent decodes a published prescription event into an audit entry.
func EntryFromEvent(raw []byte) (Entry, error) {
	var ev prescription.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Entry{}, fmt.Errorf("invalid event payload: %w", err)
	}
	eventID, err := uuid.Parse(ev.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid event id %q: %w", ev.ID, err)
	}

	entry := Entry{
		EventID:    eventID,
		EventType:     string(ev.EventType),
		OccurredAt:    ev.Timestamp,
		CorrelationID: ev.CorrelationID,
	}

	switch ev.EventType {
	case prescription.EventPrescriptionPrescribed:
		var data prescription.PrescribedData
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return Entry{}, fmt.Errorf("invalid %s data: %w", ev.EventType, err)
		}
		entry.PrescriptionID = data.PrescriptionID
		entry.ActorID = data.DoctorID
	case prescription.EventPrescriptionFilled:
		var data prescription.FilledData
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return Entry{}, fmt.Errorf("invalid %s data: %w", ev.EventType, err)
		}
		entry.PrescriptionID = data.PrescriptionID
		entry.ActorID = data.PharmacistID
	default:
		return Entry{}, fmt.Errorf("invalid event type %q", ev.EventType)
	}

	return entry, nil
}
