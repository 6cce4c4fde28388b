package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is a pending event in the outbox table. It is written in the same
// transaction as the state change it describes and published later.
type Entry struct {
	ID            uuid.UUID
	AggregateType string     // e.g. "credential", "application"
	AggregateID   string     // e.g. credential ID
	EventType     string     // e.g. "credential_issued"
	Payload       []byte     // JSON-encoded event
	CreatedAt     time.Time  // When the entry was created
	ProcessedAt   *time.Time // nil until published
}

// IsPending returns true if this entry has not been processed yet.
func (e *Entry) IsPending() bool {
	return e.ProcessedAt == nil
}

// NewEntry creates a new outbox entry with a generated UUID.
func NewEntry(aggregateType, aggregateID, eventType string, payload []byte, createdAt time.Time) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     createdAt,
	}
}

// NewJSONEntry marshals event and wraps it in an entry.
func NewJSONEntry(aggregateType, aggregateID, eventType string, event any, createdAt time.Time) (*Entry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}
	return NewEntry(aggregateType, aggregateID, eventType, payload, createdAt), nil
}
