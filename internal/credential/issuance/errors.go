package issuance

import (
	"errors"
	"fmt"

	"certify/internal/credential/signer"
)

// Kind classifies issuance failures.
type Kind string

const (
	KindCanonicalization  Kind = "canonicalization"
	KindDuplicateIssuance Kind = "duplicate_issuance"
	KindProofGeneration   Kind = "proof_generation"
	KindSigning           Kind = "signing"
	KindAnchor            Kind = "anchor"
	KindPersistence       Kind = "persistence"
	KindInvalidState      Kind = "invalid_state"
	// KindReconcile is an issuance the anchor holds but whose record cannot
	// be rebuilt from the anchored document and the sealed blindings.
	KindReconcile Kind = "reconcile"
)

// Error is returned by every Coordinator operation. Err keeps the collaborator
// error so callers can still match *signer.Error, *anchor.Error and sentinels.
type Error struct {
	Kind         Kind
	CredentialID string
	Err          error
}

func (e *Error) Error() string {
	if e.CredentialID == "" {
		return fmt.Sprintf("issuance %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("issuance %s for %s: %v", e.Kind, e.CredentialID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same command could succeed.
func (e *Error) Transient() bool {
	return e.Kind == KindSigning && signer.IsTransient(e.Err)
}

// IsKind reports whether err is an issuance error of kind k.
func IsKind(err error, k Kind) bool {
	var iErr *Error
	return errors.As(err, &iErr) && iErr.Kind == k
}

func fail(kind Kind, credentialID string, err error) *Error {
	return &Error{Kind: kind, CredentialID: credentialID, Err: err}
}
