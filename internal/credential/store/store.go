// Package store persists applications, issued credential records, and the
// verification log.
//
// Stores return internal/sentinel errors: ErrNotFound for unknown IDs,
// ErrAlreadyUsed when a subject, application or credential ID already has a
// record, and ErrInvalidState when a workflow precondition does not hold.
package store

import (
	"context"
	"time"

	"certify/internal/credential/models"
	"certify/pkg/platform/outbox"
)

// Applications persists the approval workflow.
type Applications interface {
	CreateApplication(ctx context.Context, app *models.Application) error
	FindApplication(ctx context.Context, id models.ApplicationID) (*models.Application, error)
	// SaveReview records an approve or reject decision. It fails with
	// ErrInvalidState unless the stored application is still SUBMITTED.
	SaveReview(ctx context.Context, app *models.Application, events ...*outbox.Entry) error
	ListApplications(ctx context.Context, status models.ApplicationStatus) ([]*models.Application, error)
}

// Credentials persists issued credential records.
type Credentials interface {
	// CreateCredential inserts the record and moves its application from
	// APPROVED to ISSUED in one atomic step, together with events.
	CreateCredential(ctx context.Context, record *models.CredentialRecord, events ...*outbox.Entry) error
	FindCredential(ctx context.Context, id models.CredentialID) (*models.CredentialRecord, error)
	FindCredentialBySubject(ctx context.Context, subjectID string) (*models.CredentialRecord, error)
	// MarkRevoked flags an ISSUED record as REVOKED. A second call fails with
	// ErrInvalidState.
	MarkRevoked(ctx context.Context, id models.CredentialID, reason string, at time.Time, events ...*outbox.Entry) error
}

// VerificationLog is append-only.
type VerificationLog interface {
	AppendVerification(ctx context.Context, entry *models.VerificationLogEntry) error
	ListVerifications(ctx context.Context, id models.CredentialID) ([]models.VerificationLogEntry, error)
}

// Store is everything the credential service persists.
type Store interface {
	Applications
	Credentials
	VerificationLog
}
