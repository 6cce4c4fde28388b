package anchor

import (
	"context"
	"fmt"
	"sync"

	"certify/pkg/requestcontext"
)

// Ledger is an in-process Anchor backed by a hash-chained event log. Entries
// are never deleted; revocation is an appended event.
type Ledger struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	events      []Event
	authorities *Authorities
}

// NewLedger returns an empty ledger gated by authorities.
func NewLedger(authorities *Authorities) *Ledger {
	return &Ledger{
		entries:     make(map[string]*Entry),
		authorities: authorities,
	}
}

var _ Anchor = (*Ledger)(nil)

func (l *Ledger) Issue(ctx context.Context, authority string, req IssueRequest) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issueLocked(ctx, authority, req)
}

func (l *Ledger) issueLocked(ctx context.Context, authority string, req IssueRequest) (Receipt, error) {
	if err := req.validate(); err != nil {
		return Receipt{}, reject("issue", req.CredentialID, err)
	}
	if !l.authorities.Allowed(req.IssuerID, authority) {
		return Receipt{}, reject("issue", req.CredentialID, ErrUnauthorized)
	}
	if _, exists := l.entries[req.CredentialID]; exists {
		return Receipt{}, reject("issue", req.CredentialID, ErrAlreadyIssued)
	}

	now := requestcontext.Now(ctx)
	ev, err := l.appendLocked(Event{
		Kind:           EventIssued,
		CredentialID:   req.CredentialID,
		Authority:      authority,
		ContentHash:    req.ContentHash,
		CommitmentRoot: req.CommitmentRoot,
		At:             now,
	})
	if err != nil {
		return Receipt{}, err
	}
	l.entries[req.CredentialID] = &Entry{
		CredentialID:   req.CredentialID,
		ContentHash:    req.ContentHash,
		CommitmentRoot: req.CommitmentRoot,
		Pointer:        req.Pointer,
		IssuerID:       req.IssuerID,
		HolderID:       req.HolderID,
		Schema:         req.Schema,
		Expiry:         req.Expiry,
		IssuedTx:       ev.Hash,
		IssuedAt:       now,
	}
	return Receipt{CredentialID: req.CredentialID, TxRef: ev.Hash, Status: ReceiptConfirmed}, nil
}

// Verify is a read; it never mutates the ledger.
func (l *Ledger) Verify(ctx context.Context, credentialID, contentHash string) (bool, Status, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	l.mu.RLock()
	entry := l.entries[credentialID]
	l.mu.RUnlock()
	ok, status := Evaluate(entry, contentHash, requestcontext.Now(ctx))
	return ok, status, nil
}

func (l *Ledger) Revoke(ctx context.Context, authority, credentialID, reason string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[credentialID]
	if !ok {
		return Receipt{}, reject("revoke", credentialID, ErrNotFound)
	}
	if !l.authorities.Allowed(entry.IssuerID, authority) {
		return Receipt{}, reject("revoke", credentialID, ErrUnauthorized)
	}
	if entry.Revoked {
		return Receipt{}, reject("revoke", credentialID, ErrAlreadyRevoked)
	}

	now := requestcontext.Now(ctx)
	ev, err := l.appendLocked(Event{
		Kind:         EventRevoked,
		CredentialID: credentialID,
		Authority:    authority,
		ContentHash:  entry.ContentHash,
		Reason:       reason,
		At:           now,
	})
	if err != nil {
		return Receipt{}, err
	}
	entry.Revoked = true
	entry.RevokedReason = reason
	entry.RevokedTx = ev.Hash
	entry.RevokedAt = now
	return Receipt{CredentialID: credentialID, TxRef: ev.Hash, Status: ReceiptConfirmed}, nil
}

// BatchIssue anchors each request independently. A rejected item does not
// affect the others; its receipt carries the rejection.
func (l *Ledger) BatchIssue(ctx context.Context, authority string, reqs []IssueRequest) ([]Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	receipts := make([]Receipt, len(reqs))
	for i, req := range reqs {
		r, err := l.issueLocked(ctx, authority, req)
		if err != nil {
			receipts[i] = Receipt{CredentialID: req.CredentialID, Status: ReceiptRejected, Err: err}
			continue
		}
		receipts[i] = r
	}
	return receipts, nil
}

func (l *Ledger) Lookup(ctx context.Context, credentialID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[credentialID]
	if !ok {
		return Entry{}, reject("lookup", credentialID, ErrNotFound)
	}
	return *entry, nil
}

// Events returns a copy of the event log.
func (l *Ledger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// VerifyChain re-derives every event hash and link. It returns the sequence
// number of the first broken event.
func (l *Ledger) VerifyChain() (uint64, bool) {
	return CheckChain(l.Events())
}

// CheckChain validates a contiguous event log starting at sequence 1.
func CheckChain(events []Event) (uint64, bool) {
	prev := ""
	for i, ev := range events {
		if ev.Seq != uint64(i+1) || ev.PrevHash != prev || !ev.Intact() {
			return ev.Seq, false
		}
		prev = ev.Hash
	}
	return 0, true
}

func (l *Ledger) appendLocked(ev Event) (Event, error) {
	ev.Seq = uint64(len(l.events) + 1)
	if n := len(l.events); n > 0 {
		ev.PrevHash = l.events[n-1].Hash
	}
	if err := ev.Seal(); err != nil {
		return Event{}, fmt.Errorf("seal ledger event: %w", err)
	}
	l.events = append(l.events, ev)
	return ev, nil
}
