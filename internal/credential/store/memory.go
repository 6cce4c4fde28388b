package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"certify/internal/credential/models"
	"certify/internal/sentinel"
	"certify/pkg/platform/outbox"
)

// InMemory is a Store for tests and single-node development. Records are
// deep-copied on the way in and out so callers can never alias stored state.
type InMemory struct {
	mu            sync.RWMutex
	applications  map[models.ApplicationID]*models.Application
	credentials   map[models.CredentialID]*models.CredentialRecord
	bySubject     map[string]models.CredentialID
	verifications map[models.CredentialID][]models.VerificationLogEntry
	nextLogID     int64
	outbox        outbox.Store
}

// NewInMemory returns an empty store. Events passed to mutating calls are
// appended to events when it is non-nil.
func NewInMemory(events outbox.Store) *InMemory {
	return &InMemory{
		applications:  make(map[models.ApplicationID]*models.Application),
		credentials:   make(map[models.CredentialID]*models.CredentialRecord),
		bySubject:     make(map[string]models.CredentialID),
		verifications: make(map[models.CredentialID][]models.VerificationLogEntry),
		outbox:        events,
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateApplication(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applications[app.ID]; exists {
		return fmt.Errorf("application %s: %w", app.ID, sentinel.ErrAlreadyUsed)
	}
	s.applications[app.ID] = cloneApplication(app)
	return nil
}

func (s *InMemory) FindApplication(_ context.Context, id models.ApplicationID) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.applications[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneApplication(app), nil
}

func (s *InMemory) SaveReview(ctx context.Context, app *models.Application, events ...*outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.applications[app.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != models.ApplicationSubmitted {
		return fmt.Errorf("application is %s: %w", current.Status, sentinel.ErrInvalidState)
	}
	if err := s.appendEvents(ctx, events); err != nil {
		return err
	}
	s.applications[app.ID] = cloneApplication(app)
	return nil
}

func (s *InMemory) ListApplications(_ context.Context, status models.ApplicationStatus) ([]*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Application, 0)
	for _, app := range s.applications {
		if status == "" || app.Status == status {
			out = append(out, cloneApplication(app))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (s *InMemory) CreateCredential(ctx context.Context, record *models.CredentialRecord, events ...*outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[record.ApplicationID]
	if !ok {
		return fmt.Errorf("application %s: %w", record.ApplicationID, sentinel.ErrNotFound)
	}
	if _, exists := s.bySubject[record.SubjectID]; exists {
		return fmt.Errorf("subject %s: %w", record.SubjectID, sentinel.ErrAlreadyUsed)
	}
	if _, exists := s.credentials[record.ID]; exists {
		return fmt.Errorf("credential %s: %w", record.ID, sentinel.ErrAlreadyUsed)
	}
	if !app.Status.CanTransitionTo(models.ApplicationIssued) {
		return fmt.Errorf("application is %s: %w", app.Status, sentinel.ErrInvalidState)
	}
	if err := s.appendEvents(ctx, events); err != nil {
		return err
	}

	app.Status = models.ApplicationIssued
	app.CredentialID = record.ID
	app.UpdatedAt = record.IssuedAt
	s.credentials[record.ID] = cloneRecord(record)
	s.bySubject[record.SubjectID] = record.ID
	return nil
}

func (s *InMemory) FindCredential(_ context.Context, id models.CredentialID) (*models.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.credentials[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *InMemory) FindCredentialBySubject(ctx context.Context, subjectID string) (*models.CredentialRecord, error) {
	s.mu.RLock()
	id, ok := s.bySubject[subjectID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindCredential(ctx, id)
}

func (s *InMemory) MarkRevoked(ctx context.Context, id models.CredentialID, reason string, at time.Time, events ...*outbox.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.credentials[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.Status != models.CredentialIssued {
		return fmt.Errorf("credential is %s: %w", r.Status, sentinel.ErrInvalidState)
	}
	if err := s.appendEvents(ctx, events); err != nil {
		return err
	}
	r.Status = models.CredentialRevoked
	r.RevokedReason = reason
	r.RevokedAt = &at
	return nil
}

func (s *InMemory) AppendVerification(_ context.Context, entry *models.VerificationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	e := *entry
	e.ID = s.nextLogID
	s.verifications[e.CredentialID] = append(s.verifications[e.CredentialID], e)
	entry.ID = e.ID
	return nil
}

func (s *InMemory) ListVerifications(_ context.Context, id models.CredentialID) ([]models.VerificationLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.VerificationLogEntry, len(s.verifications[id]))
	copy(out, s.verifications[id])
	return out, nil
}

func (s *InMemory) appendEvents(ctx context.Context, events []*outbox.Entry) error {
	if s.outbox == nil {
		return nil
	}
	for _, e := range events {
		if err := s.outbox.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func cloneApplication(a *models.Application) *models.Application {
	cp := *a
	cp.Fields = cloneFields(a.Fields)
	cp.Sensitive = append([]string(nil), a.Sensitive...)
	cp.Disclose = append([]string(nil), a.Disclose...)
	if a.ReviewedAt != nil {
		t := *a.ReviewedAt
		cp.ReviewedAt = &t
	}
	return &cp
}

func cloneRecord(r *models.CredentialRecord) *models.CredentialRecord {
	cp := *r
	cp.DisclosedFields = cloneFields(r.DisclosedFields)
	cp.CommittedFields = append([]string(nil), r.CommittedFields...)
	cp.Signature.Value = append([]byte(nil), r.Signature.Value...)
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		cp.RevokedAt = &t
	}
	if r.IssuanceProof != nil {
		p := *r.IssuanceProof
		p.Signals.Fields = append(p.Signals.Fields[:0:0], r.IssuanceProof.Signals.Fields...)
		cp.IssuanceProof = &p
	}
	return &cp
}

func cloneFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
