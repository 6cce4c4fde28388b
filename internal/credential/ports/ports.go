// Package ports declares the collaborators the credential protocol depends on
// but does not own: delegated signing, public key lookup, the blinding-factor
// vault, and the large-object store.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"certify/internal/credential/commitment"
	"certify/internal/credential/signer"
)

// Signer signs canonical payload bytes with the issuer's custody-held key.
// Failures are *signer.Error.
type Signer interface {
	Sign(ctx context.Context, issuerID string, payload []byte) (signer.Signature, error)
}

// KeyResolver returns the public half of a custody key.
type KeyResolver interface {
	PublicKey(ctx context.Context, keyID string) (signer.PublicKey, error)
}

// BlindingVault keeps blinding factors inside the custody trust boundary and
// hands back an opaque handle.
type BlindingVault interface {
	Seal(ctx context.Context, issuerID, credentialID string, blindings commitment.Blindings) (string, error)
	Open(ctx context.Context, handle string) (commitment.Blindings, error)
	// Handles lists the live handles sealed for one credential, oldest first.
	Handles(ctx context.Context, issuerID, credentialID string) ([]string, error)
	// Discard drops a handle. Discarding an unknown handle is not an error.
	Discard(ctx context.Context, handle string) error
}

// ObjectStore is a content-addressed store for full credential documents.
type ObjectStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, pointer string) ([]byte, error)
}
