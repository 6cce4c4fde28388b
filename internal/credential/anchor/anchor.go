// Package anchor implements the append-only, authorization-gated ledger that is
// the authority on issuance, tamper and revocation status.
//
// Per credential id the state machine is UNISSUED -> ISSUED -> REVOKED, and
// REVOKED is terminal. The acting authority is an explicit argument of every
// mutating call; there is no ambient "current signer".
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"certify/internal/credential/canonical"
)

// Status is the outcome of a verify query.
type Status string

const (
	StatusValid        Status = "VALID"
	StatusNotFound     Status = "NOT_FOUND"
	StatusRevoked      Status = "REVOKED"
	StatusHashMismatch Status = "HASH_MISMATCH"
	StatusExpired      Status = "EXPIRED"
)

// ReceiptStatus is the outcome of a mutating call.
type ReceiptStatus string

const (
	ReceiptConfirmed ReceiptStatus = "CONFIRMED"
	ReceiptRejected  ReceiptStatus = "REJECTED"
)

var (
	ErrAlreadyIssued  = errors.New("credential already anchored")
	ErrNotFound       = errors.New("credential not anchored")
	ErrAlreadyRevoked = errors.New("credential already revoked")
	ErrUnauthorized   = errors.New("authority not permitted for issuer")
	ErrInvalidRequest = errors.New("invalid anchor request")
)

// Error is a rejected ledger call. Reason carries the ledger's revert reason
// verbatim.
type Error struct {
	Op           string
	CredentialID string
	Reason       string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("anchor %s %s: %s", e.Op, e.CredentialID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func reject(op, credentialID string, err error) *Error {
	return &Error{Op: op, CredentialID: credentialID, Reason: err.Error(), Err: err}
}

// IssueRequest is one issuance to anchor.
type IssueRequest struct {
	CredentialID   string
	ContentHash    string
	CommitmentRoot string
	Pointer        string
	IssuerID       string
	HolderID       string
	Schema         string
	Expiry         time.Time
}

func (r IssueRequest) validate() error {
	switch {
	case r.CredentialID == "":
		return fmt.Errorf("%w: credential id required", ErrInvalidRequest)
	case r.ContentHash == "":
		return fmt.Errorf("%w: content hash required", ErrInvalidRequest)
	case r.CommitmentRoot == "":
		return fmt.Errorf("%w: commitment root required", ErrInvalidRequest)
	case r.IssuerID == "":
		return fmt.Errorf("%w: issuer id required", ErrInvalidRequest)
	}
	return nil
}

// Entry is the ledger's copy of an anchored credential.
type Entry struct {
	CredentialID   string
	ContentHash    string
	CommitmentRoot string
	Pointer        string
	IssuerID       string
	HolderID       string
	Schema         string
	Expiry         time.Time
	Revoked        bool
	RevokedReason  string
	IssuedTx       string
	RevokedTx      string
	IssuedAt       time.Time
	RevokedAt      time.Time
}

// Receipt acknowledges a mutating call.
type Receipt struct {
	CredentialID string
	TxRef        string
	Status       ReceiptStatus
	Err          error
}

// Anchor is the ledger contract.
type Anchor interface {
	Issue(ctx context.Context, authority string, req IssueRequest) (Receipt, error)
	Verify(ctx context.Context, credentialID, contentHash string) (bool, Status, error)
	Revoke(ctx context.Context, authority, credentialID, reason string) (Receipt, error)
	BatchIssue(ctx context.Context, authority string, reqs []IssueRequest) ([]Receipt, error)
	Lookup(ctx context.Context, credentialID string) (Entry, error)
}

// Evaluate applies the verify rules to an entry. Revocation wins over every
// other outcome, and tampering is reported before expiry.
func Evaluate(entry *Entry, contentHash string, now time.Time) (bool, Status) {
	switch {
	case entry == nil:
		return false, StatusNotFound
	case entry.Revoked:
		return false, StatusRevoked
	case entry.ContentHash != contentHash:
		return false, StatusHashMismatch
	case !entry.Expiry.IsZero() && !now.Before(entry.Expiry):
		return false, StatusExpired
	default:
		return true, StatusValid
	}
}

// EventKind names a ledger event.
type EventKind string

const (
	EventIssued  EventKind = "ISSUED"
	EventRevoked EventKind = "REVOKED"
)

// Event is one append-only ledger record. Hash chains it to its predecessor and
// doubles as the transaction reference.
type Event struct {
	Seq            uint64
	Kind           EventKind
	CredentialID   string
	Authority      string
	ContentHash    string
	CommitmentRoot string
	Reason         string
	PrevHash       string
	Hash           string
	At             time.Time
}

// Seal computes the event hash over every other field.
func (e *Event) Seal() error {
	h, err := e.digest()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// Intact reports whether Hash matches the event contents.
func (e Event) Intact() bool {
	h, err := e.digest()
	return err == nil && h == e.Hash
}

func (e Event) digest() (string, error) {
	return canonical.Hash(map[string]any{
		"seq":             e.Seq,
		"kind":            string(e.Kind),
		"credential_id":   e.CredentialID,
		"authority":       e.Authority,
		"content_hash":    e.ContentHash,
		"commitment_root": e.CommitmentRoot,
		"reason":          e.Reason,
		"prev":            e.PrevHash,
		"at":              e.At.UTC().Format(time.RFC3339Nano),
	})
}
