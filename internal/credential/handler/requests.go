package handler

import (
	"strings"

	"certify/internal/credential/disclosure"
	"certify/internal/credential/models"
	dErrors "certify/pkg/domain-errors"
	strutil "certify/pkg/platform/strings"
	"certify/pkg/platform/validation"
	pkgvalidation "certify/pkg/validation"
)

type SubmitApplicationRequest struct {
	Type      string         `json:"type" validate:"required,notblank"`
	IssuerID  string         `json:"issuer_id" validate:"required,notblank,max=128"`
	SubjectID string         `json:"subject_id" validate:"required,notblank,max=128"`
	Fields    map[string]any `json:"fields" validate:"required,min=1,dive,keys,fieldname,endkeys"`
	Sensitive []string       `json:"sensitive" validate:"omitempty,dive,fieldname"`
	Disclose  []string       `json:"disclose" validate:"omitempty,dive,fieldname"`
}

func (r *SubmitApplicationRequest) Normalize() {
	if r == nil {
		return
	}
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	r.IssuerID = strings.TrimSpace(r.IssuerID)
	r.SubjectID = strings.TrimSpace(r.SubjectID)
	r.Sensitive = strutil.DedupeAndTrim(r.Sensitive)
	r.Disclose = strutil.DedupeAndTrim(r.Disclose)
}

func (r *SubmitApplicationRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckSliceCount("fields", len(r.Fields), validation.MaxBatchSize); err != nil {
		return err
	}
	if err := validation.CheckFieldValues(r.Fields); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,notblank"`
}

func (r *RejectRequest) Normalize() {
	if r != nil {
		r.Reason = strings.TrimSpace(r.Reason)
	}
}

func (r *RejectRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckStringLength("reason", r.Reason, validation.MaxReasonLength); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type RevokeRequest struct {
	Reason string `json:"reason" validate:"required,notblank"`
}

func (r *RevokeRequest) Normalize() {
	if r != nil {
		r.Reason = strings.TrimSpace(r.Reason)
	}
}

func (r *RevokeRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckStringLength("reason", r.Reason, validation.MaxReasonLength); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type BatchIssueRequest struct {
	ApplicationIDs []string `json:"application_ids" validate:"required,min=1"`

	ids []models.ApplicationID
}

func (r *BatchIssueRequest) Normalize() {
	if r != nil {
		r.ApplicationIDs = strutil.DedupeAndTrim(r.ApplicationIDs)
	}
}

func (r *BatchIssueRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckSliceCount("application_ids", len(r.ApplicationIDs), validation.MaxBatchSize); err != nil {
		return err
	}
	if err := pkgvalidation.Validate(r); err != nil {
		return err
	}
	r.ids = make([]models.ApplicationID, len(r.ApplicationIDs))
	for i, raw := range r.ApplicationIDs {
		id, err := models.ParseApplicationID(raw)
		if err != nil {
			return err
		}
		r.ids[i] = id
	}
	return nil
}

type PresentRequest struct {
	Fields []string `json:"fields" validate:"omitempty,dive,fieldname"`
}

func (r *PresentRequest) Normalize() {
	if r != nil {
		r.Fields = strutil.DedupeAndTrim(r.Fields)
	}
}

func (r *PresentRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	return pkgvalidation.Validate(r)
}

// VerifyRequest checks a credential, optionally with a disclosure proof.
type VerifyRequest struct {
	CredentialID string            `json:"credential_id" validate:"required"`
	Proof        *disclosure.Proof `json:"proof,omitempty"`
	Verifier     string            `json:"verifier" validate:"max=128"`

	id models.CredentialID
}

func (r *VerifyRequest) Normalize() {
	if r == nil {
		return
	}
	r.CredentialID = strings.TrimSpace(r.CredentialID)
	r.Verifier = strings.TrimSpace(r.Verifier)
}

func (r *VerifyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := pkgvalidation.Validate(r); err != nil {
		return err
	}
	id, err := models.ParseCredentialID(r.CredentialID)
	if err != nil {
		return err
	}
	r.id = id
	return nil
}

// VerifyPresentationRequest requires a proof: presentations are verified
// against the anchor alone.
type VerifyPresentationRequest struct {
	VerifyRequest
}

func (r *VerifyPresentationRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := r.VerifyRequest.Validate(); err != nil {
		return err
	}
	if r.Proof == nil {
		return dErrors.New(dErrors.CodeValidation, "proof is required")
	}
	return nil
}
