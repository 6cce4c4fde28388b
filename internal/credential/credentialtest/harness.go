// Package credentialtest wires in-memory collaborators for credential tests.
package credentialtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"certify/internal/credential/anchor"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/disclosure/disclosuretest"
	"certify/internal/credential/models"
	"certify/internal/credential/objectstore"
	"certify/internal/credential/signer"
	"certify/internal/credential/store"
	"certify/internal/custody/keyring"
	"certify/internal/custody/vault"
	"certify/pkg/platform/outbox"
	"certify/pkg/requestcontext"
)

const (
	Issuer    = "dept-health"
	Authority = "official-7"
)

// Now is the pinned clock of Harness.Ctx.
var Now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// Harness holds one set of collaborators.
type Harness struct {
	Ctx      context.Context
	Store    *store.InMemory
	Outbox   *outbox.MemoryStore
	Ledger   *anchor.Ledger
	Keyring  *keyring.Keyring
	Vault    *vault.Memory
	Objects  *objectstore.Memory
	Backend  *disclosuretest.Backend
	Prover   *disclosure.Prover
	Verifier *disclosure.Verifier
}

// New builds a harness with an Ed25519 key for Issuer and Authority granted on
// the ledger.
func New(t testing.TB) *Harness {
	t.Helper()
	ctx := requestcontext.WithTime(context.Background(), Now)

	auth := anchor.NewAuthorities()
	auth.Grant(Issuer, Authority)

	k := keyring.New()
	_, err := k.Generate(ctx, Issuer, signer.AlgEd25519)
	require.NoError(t, err)

	events := outbox.NewMemoryStore()
	backend := &disclosuretest.Backend{}
	return &Harness{
		Ctx:      ctx,
		Store:    store.NewInMemory(events),
		Outbox:   events,
		Ledger:   anchor.NewLedger(auth),
		Keyring:  k,
		Vault:    vault.NewMemory(),
		Objects:  objectstore.NewMemory(),
		Backend:  backend,
		Prover:   disclosure.NewProver(backend),
		Verifier: disclosure.NewVerifier(backend),
	}
}

// BirthApplication returns a submitted birth application for subjectID.
func BirthApplication(subjectID string) *models.Application {
	schema, _ := models.SchemaFor(models.CredentialTypeBirth)
	return &models.Application{
		ID:          models.NewApplicationID(),
		Type:        models.CredentialTypeBirth,
		IssuerID:    Issuer,
		ApplicantID: "holder-" + subjectID,
		SubjectID:   subjectID,
		Fields: map[string]any{
			"childName":    "Aarav",
			"dob":          "2023-05-15",
			"placeOfBirth": "Pune",
			"motherName":   "Meera",
			"fatherName":   "Rohan",
		},
		Sensitive:   append([]string(nil), schema.Sensitive...),
		Disclose:    []string{"childName"},
		Status:      models.ApplicationSubmitted,
		SubmittedAt: Now,
		UpdatedAt:   Now,
	}
}

// Approved stores app and approves it.
func (h *Harness) Approved(t testing.TB, app *models.Application) *models.Application {
	t.Helper()
	require.NoError(t, h.Store.CreateApplication(h.Ctx, app))
	require.NoError(t, app.Approve("reviewer-1", Now))
	require.NoError(t, h.Store.SaveReview(h.Ctx, app))
	return app
}
