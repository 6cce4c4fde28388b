package models

import "time"

// EventType names a credential lifecycle event.
type EventType string

const (
	EventCredentialIssued   EventType = "credential_issued"
	EventCredentialRevoked  EventType = "credential_revoked"
	EventCredentialVerified EventType = "credential_verified"
	EventApplicationDecided EventType = "application_decided"
)

// AggregateCredential and AggregateApplication tag outbox entries.
const (
	AggregateCredential  = "credential"
	AggregateApplication = "application"
)

// LifecycleEvent is published for downstream consumers. It never carries
// field values.
type LifecycleEvent struct {
	Type         EventType `json:"type"`
	CredentialID string    `json:"credential_id,omitempty"`
	Application  string    `json:"application_id,omitempty"`
	IssuerID     string    `json:"issuer_id,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason,omitempty"`
	AnchorTx     string    `json:"anchor_tx,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	At           time.Time `json:"at"`
}
