// Package signer holds the delegated-signing contract shared by the issuer and
// the custody service: signature envelopes, public key descriptors, the error
// taxonomy, and signature verification. Private keys never appear here.
package signer

import (
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/ed25519"
)

// Algorithm names a signature scheme.
type Algorithm string

const (
	AlgEd25519    Algorithm = "Ed25519"
	AlgDilithium3 Algorithm = "Dilithium3"
)

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgEd25519, AlgDilithium3:
		return Algorithm(s), nil
	case "":
		return AlgEd25519, nil
	default:
		return "", fmt.Errorf("unsupported signature algorithm %q", s)
	}
}

// Signature is a detached signature over canonical payload bytes.
type Signature struct {
	Algorithm Algorithm `json:"alg"`
	KeyID     string    `json:"kid"`
	Value     []byte    `json:"sig"`
}

// IsZero reports whether the signature is empty.
func (s Signature) IsZero() bool {
	return s.KeyID == "" && len(s.Value) == 0
}

// PublicKey describes an issuer verification key.
type PublicKey struct {
	KeyID     string    `json:"kid"`
	IssuerID  string    `json:"issuer_id"`
	Algorithm Algorithm `json:"alg"`
	Key       []byte    `json:"key"`
	Revoked   bool      `json:"revoked"`
}

// Kind classifies signing failures.
type Kind string

const (
	// KindKeyUnavailable covers custody outages; retrying may succeed.
	KindKeyUnavailable Kind = "key_unavailable"
	// KindUnauthorized means the caller may not use the issuer's key.
	KindUnauthorized Kind = "unauthorized"
	// KindKeyRevoked means the issuer's key can no longer sign.
	KindKeyRevoked Kind = "key_revoked"
)

// Error is a signing failure reported by a custody collaborator.
type Error struct {
	Kind     Kind
	IssuerID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signing failed for issuer %s: %s", e.IssuerID, e.Kind)
	}
	return fmt.Sprintf("signing failed for issuer %s: %s: %v", e.IssuerID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether a retry could succeed.
func (e *Error) Transient() bool { return e.Kind == KindKeyUnavailable }

// IsTransient reports whether err is a transient signing error.
func IsTransient(err error) bool {
	var sErr *Error
	return errors.As(err, &sErr) && sErr.Transient()
}

// Verify checks sig over payload with pub.
func Verify(pub PublicKey, payload []byte, sig Signature) bool {
	if sig.KeyID != pub.KeyID || sig.Algorithm != pub.Algorithm || len(sig.Value) == 0 {
		return false
	}
	switch pub.Algorithm {
	case AlgEd25519:
		if len(pub.Key) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Key), payload, sig.Value)
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Key); err != nil {
			return false
		}
		if len(sig.Value) != mode3.SignatureSize {
			return false
		}
		return mode3.Verify(&pk, payload, sig.Value)
	default:
		return false
	}
}

// Scopes carried by service tokens that call the custody API.
const (
	ScopeSign  = "custody:sign"
	ScopeKeys  = "custody:keys"
	ScopeVault = "custody:vault"
)
