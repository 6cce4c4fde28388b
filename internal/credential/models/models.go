package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"certify/internal/credential/anchor"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/signer"
	dErrors "certify/pkg/domain-errors"
)

// CredentialType captures the supported certificate kinds.
type CredentialType string

const (
	CredentialTypeBirth        CredentialType = "BIRTH"
	CredentialTypeDeath        CredentialType = "DEATH"
	CredentialTypeTradeLicense CredentialType = "TRADE_LICENSE"
	CredentialTypeNOC          CredentialType = "NOC"
)

const (
	credentialIDPrefix  = "vc_"
	applicationIDPrefix = "app_"
	schemaPrefix        = "certify/"
	schemaVersion       = "/v1"
)

// credentialNamespace scopes deterministic credential IDs.
var credentialNamespace = uuid.MustParse("5b0c1f7e-3d2a-4e58-9a61-2f4c8d7b9e10")

// Schema describes the fields a credential type requires and which of them are
// committed rather than published in the clear.
type Schema struct {
	Type      CredentialType
	Required  []string
	Sensitive []string
	Validity  time.Duration
}

// ID is the schema identifier recorded on the anchor.
func (s Schema) ID() string {
	return schemaPrefix + string(s.Type) + schemaVersion
}

var schemas = map[CredentialType]Schema{
	CredentialTypeBirth: {
		Type:      CredentialTypeBirth,
		Required:  []string{"childName", "dob", "placeOfBirth", "motherName", "fatherName"},
		Sensitive: []string{"childName", "dob", "motherName", "fatherName"},
	},
	CredentialTypeDeath: {
		Type:      CredentialTypeDeath,
		Required:  []string{"deceasedName", "dateOfDeath", "placeOfDeath", "cause"},
		Sensitive: []string{"deceasedName", "dateOfDeath", "cause"},
	},
	CredentialTypeTradeLicense: {
		Type:      CredentialTypeTradeLicense,
		Required:  []string{"businessName", "ownerName", "address", "activity"},
		Sensitive: []string{"ownerName", "address"},
		Validity:  365 * 24 * time.Hour,
	},
	CredentialTypeNOC: {
		Type:      CredentialTypeNOC,
		Required:  []string{"applicantName", "purpose", "authority"},
		Sensitive: []string{"applicantName"},
		Validity:  180 * 24 * time.Hour,
	},
}

// SchemaFor returns the schema of a known type.
func SchemaFor(t CredentialType) (Schema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// ParseCredentialType validates a credential type string.
func ParseCredentialType(value string) (CredentialType, error) {
	if strings.TrimSpace(value) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "type is required")
	}
	t := CredentialType(strings.ToUpper(value))
	if _, ok := schemas[t]; !ok {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unsupported credential type")
	}
	return t, nil
}

// CredentialID is the prefixed identifier of an issued credential.
type CredentialID string

// CredentialIDForSubject derives the one credential ID a subject can ever hold.
// Deriving rather than generating it lets the anchor's re-issue rejection
// double as a per-subject uniqueness guard.
func CredentialIDForSubject(subjectID string) CredentialID {
	return CredentialID(credentialIDPrefix + uuid.NewSHA1(credentialNamespace, []byte(subjectID)).String())
}

// ParseCredentialID validates a credential ID string.
func ParseCredentialID(value string) (CredentialID, error) {
	if strings.TrimSpace(value) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "credential_id is required")
	}
	if !strings.HasPrefix(value, credentialIDPrefix) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "credential_id must start with vc_")
	}
	if _, err := uuid.Parse(strings.TrimPrefix(value, credentialIDPrefix)); err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid credential_id format")
	}
	return CredentialID(value), nil
}

func (id CredentialID) String() string { return string(id) }

// ApplicationID identifies an application.
type ApplicationID string

// NewApplicationID generates a random application ID.
func NewApplicationID() ApplicationID {
	return ApplicationID(applicationIDPrefix + uuid.NewString())
}

// ParseApplicationID validates an application ID string.
func ParseApplicationID(value string) (ApplicationID, error) {
	if !strings.HasPrefix(value, applicationIDPrefix) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "application_id must start with app_")
	}
	if _, err := uuid.Parse(strings.TrimPrefix(value, applicationIDPrefix)); err != nil {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid application_id format")
	}
	return ApplicationID(value), nil
}

func (id ApplicationID) String() string { return string(id) }

// ApplicationStatus is the workflow state of an application.
type ApplicationStatus string

const (
	ApplicationSubmitted ApplicationStatus = "SUBMITTED"
	ApplicationApproved  ApplicationStatus = "APPROVED"
	ApplicationRejected  ApplicationStatus = "REJECTED"
	ApplicationIssued    ApplicationStatus = "ISSUED"
)

var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	ApplicationSubmitted: {ApplicationApproved, ApplicationRejected},
	ApplicationApproved:  {ApplicationIssued},
}

// CanTransitionTo reports whether the workflow permits moving to next.
func (s ApplicationStatus) CanTransitionTo(next ApplicationStatus) bool {
	for _, allowed := range applicationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Application is a citizen's request for a certificate.
type Application struct {
	ID             ApplicationID
	Type           CredentialType
	IssuerID       string
	ApplicantID    string
	SubjectID      string
	Fields         map[string]any
	Sensitive      []string
	Disclose       []string
	Status         ApplicationStatus
	DecisionReason string
	ReviewedBy     string
	CredentialID   CredentialID
	SubmittedAt    time.Time
	ReviewedAt     *time.Time
	UpdatedAt      time.Time
}

// Approve moves a submitted application to APPROVED.
func (a *Application) Approve(reviewer string, now time.Time) error {
	return a.review(ApplicationApproved, reviewer, "", now)
}

// Reject moves a submitted application to REJECTED.
func (a *Application) Reject(reviewer, reason string, now time.Time) error {
	return a.review(ApplicationRejected, reviewer, reason, now)
}

func (a *Application) review(next ApplicationStatus, reviewer, reason string, now time.Time) error {
	if !a.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeConflict, fmt.Sprintf("application is %s, cannot move to %s", a.Status, next))
	}
	a.Status = next
	a.ReviewedBy = reviewer
	a.DecisionReason = reason
	a.ReviewedAt = &now
	a.UpdatedAt = now
	return nil
}

// SplitFields separates the fields published in the clear from the committed
// ones.
func (a *Application) SplitFields() (public, sensitive map[string]any) {
	public = make(map[string]any)
	sensitive = make(map[string]any)
	secret := make(map[string]struct{}, len(a.Sensitive))
	for _, name := range a.Sensitive {
		secret[name] = struct{}{}
	}
	for name, v := range a.Fields {
		if _, ok := secret[name]; ok {
			sensitive[name] = v
			continue
		}
		public[name] = v
	}
	return public, sensitive
}

// CredentialStatus is the lifecycle state of an issued credential. EXPIRED is
// derived at read time and never stored.
type CredentialStatus string

const (
	CredentialIssued  CredentialStatus = "ISSUED"
	CredentialRevoked CredentialStatus = "REVOKED"
	CredentialExpired CredentialStatus = "EXPIRED"
)

// CredentialRecord is the issuer's copy of an issued credential. Blinding
// factors live in the custody vault; BlindingHandle only names them.
type CredentialRecord struct {
	ID              CredentialID
	ApplicationID   ApplicationID
	SubjectID       string
	Type            CredentialType
	IssuerID        string
	HolderID        string
	ContentHash     string
	CommitmentRoot  string
	Signature       signer.Signature
	Pointer         string
	CommittedFields []string
	DisclosedFields map[string]any
	BlindingHandle  string
	IssuanceProof   *disclosure.Proof
	AnchorTx        string
	Status          CredentialStatus
	IssuedAt        time.Time
	ExpiresAt       *time.Time
	RevokedAt       *time.Time
	RevokedReason   string
}

// EffectiveStatus folds expiry into the stored status.
func (r *CredentialRecord) EffectiveStatus(now time.Time) CredentialStatus {
	if r.Status == CredentialIssued && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return CredentialExpired
	}
	return r.Status
}

// SchemaID is the identifier of the record's schema.
func (r *CredentialRecord) SchemaID() string {
	return Schema{Type: r.Type}.ID()
}

// Payload is the canonical payload whose hash is anchored and signed. It is
// rebuilt from the record on every verification.
func (r *CredentialRecord) Payload() map[string]any {
	var expires any
	if r.ExpiresAt != nil {
		expires = FormatTime(*r.ExpiresAt)
	}
	fields := r.DisclosedFields
	if fields == nil {
		fields = map[string]any{}
	}
	return map[string]any{
		"credential_id": r.ID.String(),
		"type":          string(r.Type),
		"issuer":        r.IssuerID,
		"holder":        r.HolderID,
		"subject_id":    r.SubjectID,
		"issued_at":     FormatTime(r.IssuedAt),
		"expires_at":    expires,
		"schema":        r.SchemaID(),
		"fields":        fields,
	}
}

// AnchorRequest is the anchor issuance request for the record.
func (r *CredentialRecord) AnchorRequest() anchor.IssueRequest {
	req := anchor.IssueRequest{
		CredentialID:   r.ID.String(),
		ContentHash:    r.ContentHash,
		CommitmentRoot: r.CommitmentRoot,
		Pointer:        r.Pointer,
		IssuerID:       r.IssuerID,
		HolderID:       r.HolderID,
		Schema:         r.SchemaID(),
	}
	if r.ExpiresAt != nil {
		req.Expiry = *r.ExpiresAt
	}
	return req
}

// FormatTime renders timestamps inside canonical payloads. Sub-second
// precision is dropped so values survive storage round trips unchanged.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Document is the signed full credential stored in the object store.
type Document struct {
	Payload   map[string]any   `json:"payload"`
	Signature signer.Signature `json:"signature"`
}

// Checks are the individual verification outcomes. Disclosure is nil when no
// proof was presented.
type Checks struct {
	HashMatch      bool  `json:"hash_match"`
	AnchorMatch    bool  `json:"anchor_match"`
	RootMatch      bool  `json:"root_match"`
	NotRevoked     bool  `json:"not_revoked"`
	NotExpired     bool  `json:"not_expired"`
	SignatureValid bool  `json:"signature_valid"`
	Disclosure     *bool `json:"disclosure,omitempty"`
}

// VerificationLogEntry records one verification attempt.
type VerificationLogEntry struct {
	ID           int64
	CredentialID CredentialID
	Verifier     string
	Status       string
	Valid        bool
	Checks       Checks
	VerifiedAt   time.Time
}

// SortedFields returns the keys of m in order.
func SortedFields(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
