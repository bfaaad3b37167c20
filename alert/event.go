package alert

import (
	"time"

	"github.com/google/uuid"
)

// EventCreated is the envelope type for a new alert.
const EventCreated = "alert.created"

// Envelope wraps a record for live delivery to subscribers.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Alert     Record    `json:"alert"`
}

// NewEnvelope wraps rec in an envelope with a fresh id.
func NewEnvelope(rec Record) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      EventCreated,
		Timestamp: time.Now().UTC(),
		Alert:     rec,
	}
}
