package presentation

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"certify/internal/credential/credentialtest"
	"certify/internal/credential/issuance"
	"certify/internal/credential/models"
	"certify/internal/credential/ports/mocks"
	"certify/internal/credential/verification"
	dErrors "certify/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	h           *credentialtest.Harness
	coordinator *issuance.Coordinator
	service     *Service
	record      *models.CredentialRecord
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.h = credentialtest.New(s.T())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var err error
	s.coordinator, err = issuance.New(s.h.Store, s.h.Ledger, s.h.Keyring, s.h.Vault, s.h.Objects, s.h.Prover, issuance.WithLogger(logger))
	s.Require().NoError(err)
	s.service = New(s.h.Store, s.h.Vault, s.h.Prover, WithLogger(logger))

	app := s.h.Approved(s.T(), credentialtest.BirthApplication("subject-1"))
	s.record, err = s.coordinator.Issue(s.h.Ctx, issuance.IssueCommand{ApplicationID: app.ID, Authority: credentialtest.Authority})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestSelectiveDisclosureScenario() {
	p, err := s.service.Present(s.h.Ctx, Request{
		CredentialID: s.record.ID,
		HolderID:     s.record.HolderID,
		Fields:       []string{"childName", "dob"},
	})
	s.Require().NoError(err)
	s.Equal(s.record.CommitmentRoot, p.Proof.Signals.Root)
	s.Equal(map[string]any{"childName": "Aarav", "dob": "2023-05-15"}, p.Proof.Signals.Disclosed())

	engine, err := verification.New(s.h.Store, s.h.Ledger, s.h.Keyring, s.h.Objects, s.h.Verifier,
		verification.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)
	result, err := engine.VerifyPresentation(s.h.Ctx, p.CredentialID, p.Proof, "school-3")
	s.Require().NoError(err)
	s.Equal(verification.StatusValid, result.Status)
	s.Equal("Aarav", result.Disclosed["childName"])
	s.Equal("2023-05-15", result.Disclosed["dob"])
	s.NotContains(result.Disclosed, "motherName")
	s.NotContains(result.Disclosed, "fatherName")
}

func (s *ServiceSuite) TestRevealNothing() {
	p, err := s.service.Present(s.h.Ctx, Request{CredentialID: s.record.ID})
	s.Require().NoError(err)
	s.Empty(p.Proof.Signals.Disclosed())
	s.True(s.h.Verifier.Verify(p.Proof.Proof, p.Proof.Signals))
}

func (s *ServiceSuite) TestRejections() {
	tests := []struct {
		name string
		req  Request
		code dErrors.Code
	}{
		{"unknown credential", Request{CredentialID: models.CredentialIDForSubject("nobody")}, dErrors.CodeNotFound},
		{"other holder", Request{CredentialID: s.record.ID, HolderID: "holder-x"}, dErrors.CodeForbidden},
		{"public field", Request{CredentialID: s.record.ID, Fields: []string{"placeOfBirth"}}, dErrors.CodeInvalidInput},
		{"unknown field", Request{CredentialID: s.record.ID, Fields: []string{"bloodGroup"}}, dErrors.CodeInvalidInput},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Present(s.h.Ctx, tt.req)
			s.True(dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func (s *ServiceSuite) TestRevokedCredential() {
	_, err := s.coordinator.Revoke(s.h.Ctx, issuance.RevokeCommand{CredentialID: s.record.ID, Authority: credentialtest.Authority, Reason: "superseded"})
	s.Require().NoError(err)

	_, err = s.service.Present(s.h.Ctx, Request{CredentialID: s.record.ID, Fields: []string{"childName"}})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ServiceSuite) TestVaultUnavailable() {
	ctrl := gomock.NewController(s.T())
	vault := mocks.NewMockBlindingVault(ctrl)
	vault.EXPECT().Open(gomock.Any(), s.record.BlindingHandle).Return(nil, errors.New("custody unreachable"))

	svc := New(s.h.Store, vault, s.h.Prover)
	_, err := svc.Present(s.h.Ctx, Request{CredentialID: s.record.ID, Fields: []string{"childName"}})
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}
