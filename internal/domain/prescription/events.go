package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionPrescribed EventType = "PrescriptionPrescribed"
	EventPrescriptionFilled     EventType = "PrescriptionFilled"
)

// AggregateType is stamped on every prescription event and outbox entry.
const AggregateType = "Prescription"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID uuid.UUID, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID.String(),
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithCorrelationID sets the request id the event originated from
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescribedData contains prescription creation details
type PrescribedData struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	DrugID         uuid.UUID `json:"drug_id"`
	Quantity       int       `json:"quantity"`
	PrescribedAt   time.Time `json:"prescribed_at"`
}

// FilledData contains dispensing details
type FilledData struct {
	PrescriptionID uuid.UUID `json:"prescription_id"`
	PharmacistID   uuid.UUID `json:"pharmacist_id"`
	FilledAt       time.Time `json:"filled_at"`
}

// PrescribedEvent builds the event recorded when p is created.
func PrescribedEvent(p *Prescription) (*Event, error) {
	return NewEvent(p.ID, EventPrescriptionPrescribed, PrescribedData{
		PrescriptionID: p.ID,
		DoctorID:       p.DoctorID,
		PatientID:      p.PatientID,
		DrugID:         p.DrugID,
		Quantity:       p.Quantity,
		PrescribedAt:   p.CreatedAt,
	}, p.CreatedAt)
}

// FilledEvent builds the event recorded when p is filled. p must be Filled.
func FilledEvent(p *Prescription) (*Event, error) {
	if p.FilledAt == nil || p.PharmacistID == nil {
		return nil, ErrNotPending
	}
	return NewEvent(p.ID, EventPrescriptionFilled, FilledData{
		PrescriptionID: p.ID,
		PharmacistID:   *p.PharmacistID,
		FilledAt:       *p.FilledAt,
	}, *p.FilledAt)
}
