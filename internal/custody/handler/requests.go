package handler

import (
	"strings"

	"certify/internal/credential/signer"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/validation"
	pkgvalidation "certify/pkg/validation"
)

type SignRequest struct {
	IssuerID string `json:"issuer_id" validate:"required,notblank"`
	Payload  []byte `json:"payload" validate:"required"`
}

func (r *SignRequest) Normalize() {
	if r == nil {
		return
	}
	r.IssuerID = strings.TrimSpace(r.IssuerID)
}

func (r *SignRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckStringLength("issuer_id", r.IssuerID, validation.MaxIdentifierLength); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type SealRequest struct {
	IssuerID     string            `json:"issuer_id" validate:"required,notblank"`
	CredentialID string            `json:"credential_id" validate:"required,notblank"`
	Blindings    map[string]string `json:"blindings" validate:"required,min=1"`
}

func (r *SealRequest) Normalize() {
	if r == nil {
		return
	}
	r.IssuerID = strings.TrimSpace(r.IssuerID)
	r.CredentialID = strings.TrimSpace(r.CredentialID)
}

func (r *SealRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckSliceCount("blindings", len(r.Blindings), validation.MaxBatchSize); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type OpenRequest struct {
	Handle string `json:"handle" validate:"required,notblank"`
}

func (r *OpenRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckStringLength("handle", r.Handle, validation.MaxIdentifierLength); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type HandlesRequest struct {
	IssuerID     string `json:"issuer_id" validate:"required,notblank"`
	CredentialID string `json:"credential_id" validate:"required,notblank"`
}

func (r *HandlesRequest) Normalize() {
	if r == nil {
		return
	}
	r.IssuerID = strings.TrimSpace(r.IssuerID)
	r.CredentialID = strings.TrimSpace(r.CredentialID)
}

func (r *HandlesRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := validation.CheckStringLength("credential_id", r.CredentialID, validation.MaxIdentifierLength); err != nil {
		return err
	}
	return pkgvalidation.Validate(r)
}

type GenerateKeyRequest struct {
	IssuerID  string `json:"issuer_id" validate:"required,notblank"`
	Algorithm string `json:"algorithm"`

	alg signer.Algorithm
}

func (r *GenerateKeyRequest) Normalize() {
	if r == nil {
		return
	}
	r.IssuerID = strings.TrimSpace(r.IssuerID)
	r.Algorithm = strings.TrimSpace(r.Algorithm)
}

func (r *GenerateKeyRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request is required")
	}
	if err := pkgvalidation.Validate(r); err != nil {
		return err
	}
	alg, err := signer.ParseAlgorithm(r.Algorithm)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, err.Error())
	}
	r.alg = alg
	return nil
}

type SealResponse struct {
	Handle string `json:"handle"`
}

type HandlesResponse struct {
	Handles []string `json:"handles"`
}

type OpenResponse struct {
	Blindings map[string]string `json:"blindings"`
}

type KeysResponse struct {
	IssuerID string             `json:"issuer_id"`
	Keys     []signer.PublicKey `json:"keys"`
}
