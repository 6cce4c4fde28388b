package handler

import (
	"errors"

	"certify/internal/credential/anchor"
	"certify/internal/credential/issuance"
	"certify/internal/credential/signer"
	"certify/internal/sentinel"
	dErrors "certify/pkg/domain-errors"
)

// toDomainError maps coordinator failures onto domain codes. Errors that are
// already domain errors pass through.
func toDomainError(err error) error {
	var iErr *issuance.Error
	if !errors.As(err, &iErr) {
		return err
	}
	switch iErr.Kind {
	case issuance.KindDuplicateIssuance:
		return dErrors.Wrap(err, dErrors.CodeConflict, "subject already holds a credential")
	case issuance.KindReconcile:
		return dErrors.Wrap(err, dErrors.CodeConflict, "credential is anchored but its record cannot be recovered")
	case issuance.KindCanonicalization:
		return dErrors.Wrap(err, dErrors.CodeValidation, iErr.Err.Error())
	case issuance.KindInvalidState:
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.Wrap(err, dErrors.CodeNotFound, "not found")
		case errors.Is(err, issuance.ErrReasonRequired):
			return dErrors.Wrap(err, dErrors.CodeValidation, "revocation reason is required")
		default:
			return dErrors.Wrap(err, dErrors.CodeConflict, iErr.Err.Error())
		}
	case issuance.KindSigning:
		var sErr *signer.Error
		if errors.As(err, &sErr) {
			switch sErr.Kind {
			case signer.KindUnauthorized:
				return dErrors.Wrap(err, dErrors.CodeForbidden, "issuer key may not be used")
			case signer.KindKeyRevoked:
				return dErrors.Wrap(err, dErrors.CodeConflict, "issuer key is revoked")
			}
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "signing service unavailable")
	case issuance.KindAnchor:
		switch {
		case errors.Is(err, anchor.ErrUnauthorized):
			return dErrors.Wrap(err, dErrors.CodeForbidden, "authority not permitted for issuer")
		case errors.Is(err, anchor.ErrAlreadyRevoked), errors.Is(err, anchor.ErrAlreadyIssued):
			return dErrors.Wrap(err, dErrors.CodeConflict, iErr.Err.Error())
		case errors.Is(err, anchor.ErrNotFound):
			return dErrors.Wrap(err, dErrors.CodeNotFound, "credential not anchored")
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "anchor unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "issuance failed")
	}
}
