// Package vault keeps commitment blinding factors inside the custody
// boundary. Issuers receive an opaque handle; only the custody service can
// turn a handle back into blindings.
package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"certify/internal/credential/commitment"
)

var (
	ErrNotFound      = errors.New("blinding handle not found")
	ErrInvalidHandle = errors.New("invalid blinding handle")
)

const handlePrefix = "bh_"

// Sealed is the stored form of one credential's blindings.
type Sealed struct {
	IssuerID     string            `json:"issuer_id"`
	CredentialID string            `json:"credential_id"`
	Blindings    map[string]string `json:"blindings"`
}

func indexKey(issuerID, credentialID string) string {
	return issuerID + "/" + credentialID
}

func newHandle() string {
	return handlePrefix + uuid.NewString()
}

func checkHandle(handle string) error {
	if !strings.HasPrefix(handle, handlePrefix) {
		return ErrInvalidHandle
	}
	if _, err := uuid.Parse(strings.TrimPrefix(handle, handlePrefix)); err != nil {
		return ErrInvalidHandle
	}
	return nil
}

func seal(issuerID, credentialID string, b commitment.Blindings) (Sealed, error) {
	if issuerID == "" || credentialID == "" {
		return Sealed{}, errors.New("issuer_id and credential_id are required")
	}
	if len(b) == 0 {
		return Sealed{}, errors.New("no blindings to seal")
	}
	return Sealed{IssuerID: issuerID, CredentialID: credentialID, Blindings: b.Encode()}, nil
}

func open(s Sealed) (commitment.Blindings, error) {
	b, err := commitment.DecodeBlindings(s.Blindings)
	if err != nil {
		return nil, fmt.Errorf("decode sealed blindings: %w", err)
	}
	return b, nil
}
