package handler

import (
	"errors"
	"time"

	"certify/internal/credential/disclosure"
	"certify/internal/credential/issuance"
	"certify/internal/credential/models"
	"certify/internal/credential/signer"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/httputil"
)

type ApplicationResponse struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	IssuerID       string         `json:"issuer_id"`
	ApplicantID    string         `json:"applicant_id"`
	SubjectID      string         `json:"subject_id"`
	Fields         map[string]any `json:"fields"`
	Sensitive      []string       `json:"sensitive"`
	Disclose       []string       `json:"disclose,omitempty"`
	Status         string         `json:"status"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	ReviewedBy     string         `json:"reviewed_by,omitempty"`
	CredentialID   string         `json:"credential_id,omitempty"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	ReviewedAt     *time.Time     `json:"reviewed_at,omitempty"`
}

func toApplicationResponse(a *models.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:             a.ID.String(),
		Type:           string(a.Type),
		IssuerID:       a.IssuerID,
		ApplicantID:    a.ApplicantID,
		SubjectID:      a.SubjectID,
		Fields:         a.Fields,
		Sensitive:      a.Sensitive,
		Disclose:       a.Disclose,
		Status:         string(a.Status),
		DecisionReason: a.DecisionReason,
		ReviewedBy:     a.ReviewedBy,
		CredentialID:   a.CredentialID.String(),
		SubmittedAt:    a.SubmittedAt,
		ReviewedAt:     a.ReviewedAt,
	}
}

type ApplicationListResponse struct {
	Applications []ApplicationResponse `json:"applications"`
}

// CredentialResponse never carries the blinding handle.
type CredentialResponse struct {
	ID              string            `json:"credential_id"`
	ApplicationID   string            `json:"application_id"`
	Type            string            `json:"type"`
	IssuerID        string            `json:"issuer_id"`
	HolderID        string            `json:"holder_id"`
	SubjectID       string            `json:"subject_id"`
	ContentHash     string            `json:"content_hash"`
	CommitmentRoot  string            `json:"commitment_root"`
	Signature       signer.Signature  `json:"signature"`
	Pointer         string            `json:"pointer"`
	CommittedFields []string          `json:"committed_fields"`
	DisclosedFields map[string]any    `json:"disclosed_fields"`
	IssuanceProof   *disclosure.Proof `json:"issuance_proof,omitempty"`
	AnchorTx        string            `json:"anchor_tx"`
	Status          string            `json:"status"`
	IssuedAt        time.Time         `json:"issued_at"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
	RevokedAt       *time.Time        `json:"revoked_at,omitempty"`
	RevokedReason   string            `json:"revoked_reason,omitempty"`
}

func toCredentialResponse(r *models.CredentialRecord, now time.Time) CredentialResponse {
	return CredentialResponse{
		ID:              r.ID.String(),
		ApplicationID:   r.ApplicationID.String(),
		Type:            string(r.Type),
		IssuerID:        r.IssuerID,
		HolderID:        r.HolderID,
		SubjectID:       r.SubjectID,
		ContentHash:     r.ContentHash,
		CommitmentRoot:  r.CommitmentRoot,
		Signature:       r.Signature,
		Pointer:         r.Pointer,
		CommittedFields: r.CommittedFields,
		DisclosedFields: r.DisclosedFields,
		IssuanceProof:   r.IssuanceProof,
		AnchorTx:        r.AnchorTx,
		Status:          string(r.EffectiveStatus(now)),
		IssuedAt:        r.IssuedAt,
		ExpiresAt:       r.ExpiresAt,
		RevokedAt:       r.RevokedAt,
		RevokedReason:   r.RevokedReason,
	}
}

type BatchItemResponse struct {
	ApplicationID string              `json:"application_id"`
	Credential    *CredentialResponse `json:"credential,omitempty"`
	Error         string              `json:"error,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
}

type BatchIssueResponse struct {
	Issued  int                 `json:"issued"`
	Failed  int                 `json:"failed"`
	Results []BatchItemResponse `json:"results"`
}

func toBatchResponse(results []issuance.BatchResult, now time.Time) BatchIssueResponse {
	out := BatchIssueResponse{Results: make([]BatchItemResponse, len(results))}
	for i, res := range results {
		item := BatchItemResponse{ApplicationID: res.ApplicationID.String()}
		if res.Err != nil {
			out.Failed++
			mapped := toDomainError(res.Err)
			item.Error = mapped.Error()
			var dErr *dErrors.Error
			if errors.As(mapped, &dErr) {
				item.ErrorCode = httputil.DomainCodeToHTTPCode(dErr.Code)
			}
		} else {
			out.Issued++
			cred := toCredentialResponse(res.Record, now)
			item.Credential = &cred
		}
		out.Results[i] = item
	}
	return out
}

type VerificationLogEntryResponse struct {
	ID         int64         `json:"id"`
	Verifier   string        `json:"verifier"`
	Status     string        `json:"status"`
	Valid      bool          `json:"valid"`
	Checks     models.Checks `json:"checks"`
	VerifiedAt time.Time     `json:"verified_at"`
}

type VerificationLogResponse struct {
	CredentialID string                         `json:"credential_id"`
	Entries      []VerificationLogEntryResponse `json:"entries"`
}

func toVerificationLogResponse(id models.CredentialID, entries []models.VerificationLogEntry) VerificationLogResponse {
	out := VerificationLogResponse{CredentialID: id.String(), Entries: make([]VerificationLogEntryResponse, len(entries))}
	for i, e := range entries {
		out.Entries[i] = VerificationLogEntryResponse{
			ID:         e.ID,
			Verifier:   e.Verifier,
			Status:     e.Status,
			Valid:      e.Valid,
			Checks:     e.Checks,
			VerifiedAt: e.VerifiedAt,
		}
	}
	return out
}
