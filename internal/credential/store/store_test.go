package store

import (
	"context"
	"time"

	"github.com/stretchr/testify/suite"

	"certify/internal/credential/canonical"
	"certify/internal/credential/models"
	"certify/internal/credential/signer"
	"certify/internal/sentinel"
	"certify/pkg/platform/outbox"
)

var testNow = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// conformanceSuite runs the same checks against every Store.
type conformanceSuite struct {
	suite.Suite
	ctx    context.Context
	store  Store
	events func() int
}

func newApplication(subjectID string, submitted time.Time) *models.Application {
	return &models.Application{
		ID:          models.NewApplicationID(),
		Type:        models.CredentialTypeBirth,
		IssuerID:    "dept-health",
		ApplicantID: "holder-" + subjectID,
		SubjectID:   subjectID,
		Fields:      map[string]any{"childName": "Aarav", "placeOfBirth": "Pune"},
		Sensitive:   []string{"childName"},
		Disclose:    []string{"childName"},
		Status:      models.ApplicationSubmitted,
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
}

func newRecord(app *models.Application) *models.CredentialRecord {
	return &models.CredentialRecord{
		ID:              models.CredentialIDForSubject(app.SubjectID),
		ApplicationID:   app.ID,
		SubjectID:       app.SubjectID,
		Type:            app.Type,
		IssuerID:        app.IssuerID,
		HolderID:        app.ApplicantID,
		ContentHash:     "0xcontent",
		CommitmentRoot:  "0xroot",
		Signature:       signer.Signature{Algorithm: signer.AlgEd25519, KeyID: "key_1", Value: []byte{1, 2, 3}},
		Pointer:         "bafkpointer",
		CommittedFields: []string{"childName"},
		DisclosedFields: map[string]any{"placeOfBirth": "Pune"},
		BlindingHandle:  "bh_1",
		AnchorTx:        "0xtx",
		Status:          models.CredentialIssued,
		IssuedAt:        testNow,
	}
}

func event(kind models.EventType, id string) *outbox.Entry {
	return outbox.NewEntry(models.AggregateCredential, id, string(kind), []byte(`{}`), testNow)
}

func (s *conformanceSuite) approved(subjectID string) *models.Application {
	app := newApplication(subjectID, testNow)
	s.Require().NoError(s.store.CreateApplication(s.ctx, app))
	s.Require().NoError(app.Approve("reviewer-1", testNow))
	s.Require().NoError(s.store.SaveReview(s.ctx, app))
	return app
}

func (s *conformanceSuite) TestApplicationLifecycle() {
	app := newApplication("subject-1", testNow)
	s.Require().NoError(s.store.CreateApplication(s.ctx, app))
	s.ErrorIs(s.store.CreateApplication(s.ctx, app), sentinel.ErrAlreadyUsed)

	got, err := s.store.FindApplication(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.ApplicationSubmitted, got.Status)
	s.Equal("Aarav", got.Fields["childName"])
	s.Equal([]string{"childName"}, got.Sensitive)

	s.Require().NoError(app.Reject("reviewer-1", "incomplete", testNow))
	s.Require().NoError(s.store.SaveReview(s.ctx, app, event(models.EventApplicationDecided, app.ID.String())))
	s.Equal(1, s.events())

	got, err = s.store.FindApplication(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.ApplicationRejected, got.Status)
	s.Equal("incomplete", got.DecisionReason)
	s.Equal("reviewer-1", got.ReviewedBy)

	// A decided application cannot be reviewed again.
	s.ErrorIs(s.store.SaveReview(s.ctx, app), sentinel.ErrInvalidState)

	_, err = s.store.FindApplication(s.ctx, models.NewApplicationID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *conformanceSuite) TestListApplications() {
	first := newApplication("subject-1", testNow)
	second := newApplication("subject-2", testNow.Add(time.Minute))
	s.Require().NoError(s.store.CreateApplication(s.ctx, second))
	s.Require().NoError(s.store.CreateApplication(s.ctx, first))
	s.Require().NoError(second.Approve("reviewer-1", testNow))
	s.Require().NoError(s.store.SaveReview(s.ctx, second))

	all, err := s.store.ListApplications(s.ctx, "")
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(first.ID, all[0].ID)
	s.Equal(second.ID, all[1].ID)

	approved, err := s.store.ListApplications(s.ctx, models.ApplicationApproved)
	s.Require().NoError(err)
	s.Require().Len(approved, 1)
	s.Equal(second.ID, approved[0].ID)
}

func (s *conformanceSuite) TestCreateCredential() {
	app := s.approved("subject-1")
	record := newRecord(app)

	s.Require().NoError(s.store.CreateCredential(s.ctx, record, event(models.EventCredentialIssued, record.ID.String())))
	s.Equal(1, s.events())

	got, err := s.store.FindCredential(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(record.ContentHash, got.ContentHash)
	s.Equal(record.Signature, got.Signature)
	s.Equal(record.CommittedFields, got.CommittedFields)
	s.True(record.IssuedAt.Equal(got.IssuedAt))

	want, err := canonical.Hash(record.Payload())
	s.Require().NoError(err)
	have, err := canonical.Hash(got.Payload())
	s.Require().NoError(err)
	s.Equal(want, have, "payload must survive storage unchanged")

	bySubject, err := s.store.FindCredentialBySubject(s.ctx, "subject-1")
	s.Require().NoError(err)
	s.Equal(record.ID, bySubject.ID)

	issued, err := s.store.FindApplication(s.ctx, app.ID)
	s.Require().NoError(err)
	s.Equal(models.ApplicationIssued, issued.Status)
	s.Equal(record.ID, issued.CredentialID)

	_, err = s.store.FindCredential(s.ctx, models.CredentialIDForSubject("nobody"))
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindCredentialBySubject(s.ctx, "nobody")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *conformanceSuite) TestCreateCredentialIsAtMostOncePerSubject() {
	first := s.approved("subject-1")
	s.Require().NoError(s.store.CreateCredential(s.ctx, newRecord(first)))

	// A second application for the same subject cannot get a second credential.
	second := s.approved("subject-1")
	err := s.store.CreateCredential(s.ctx, newRecord(second), event(models.EventCredentialIssued, "dup"))
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)
	s.Equal(0, s.events())

	app, err := s.store.FindApplication(s.ctx, second.ID)
	s.Require().NoError(err)
	s.Equal(models.ApplicationApproved, app.Status)
}

func (s *conformanceSuite) TestCreateCredentialRequiresApproval() {
	app := newApplication("subject-1", testNow)
	s.Require().NoError(s.store.CreateApplication(s.ctx, app))

	err := s.store.CreateCredential(s.ctx, newRecord(app))
	s.ErrorIs(err, sentinel.ErrInvalidState)

	_, err = s.store.FindCredential(s.ctx, models.CredentialIDForSubject("subject-1"))
	s.ErrorIs(err, sentinel.ErrNotFound)

	err = s.store.CreateCredential(s.ctx, newRecord(newApplication("subject-2", testNow)))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *conformanceSuite) TestMarkRevoked() {
	record := newRecord(s.approved("subject-1"))
	s.Require().NoError(s.store.CreateCredential(s.ctx, record))

	at := testNow.Add(time.Hour)
	s.Require().NoError(s.store.MarkRevoked(s.ctx, record.ID, "issued in error", at, event(models.EventCredentialRevoked, record.ID.String())))
	s.Equal(1, s.events())

	got, err := s.store.FindCredential(s.ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.CredentialRevoked, got.Status)
	s.Equal("issued in error", got.RevokedReason)
	s.Require().NotNil(got.RevokedAt)
	s.True(at.Equal(*got.RevokedAt))

	s.ErrorIs(s.store.MarkRevoked(s.ctx, record.ID, "again", at), sentinel.ErrInvalidState)
	s.ErrorIs(s.store.MarkRevoked(s.ctx, models.CredentialIDForSubject("nobody"), "x", at), sentinel.ErrNotFound)
}

func (s *conformanceSuite) TestVerificationLog() {
	id := models.CredentialIDForSubject("subject-1")
	for i, status := range []string{"VALID", "REVOKED"} {
		entry := &models.VerificationLogEntry{
			CredentialID: id,
			Verifier:     "bank-1",
			Status:       status,
			Valid:        status == "VALID",
			Checks:       models.Checks{HashMatch: true, NotRevoked: status == "VALID"},
			VerifiedAt:   testNow.Add(time.Duration(i) * time.Minute),
		}
		s.Require().NoError(s.store.AppendVerification(s.ctx, entry))
		s.NotZero(entry.ID)
	}

	log, err := s.store.ListVerifications(s.ctx, id)
	s.Require().NoError(err)
	s.Require().Len(log, 2)
	s.Equal("VALID", log[0].Status)
	s.True(log[0].Checks.NotRevoked)
	s.Equal("REVOKED", log[1].Status)
	s.Less(log[0].ID, log[1].ID)

	empty, err := s.store.ListVerifications(s.ctx, models.CredentialIDForSubject("nobody"))
	s.Require().NoError(err)
	s.Empty(empty)
}
