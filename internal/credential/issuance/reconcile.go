package issuance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"certify/internal/credential/canonical"
	"certify/internal/credential/commitment"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/models"
	"certify/internal/credential/objectstore"
	"certify/pkg/platform/tracer"
)

// discard drops blindings sealed for an attempt the anchor did not accept.
func (c *Coordinator) discard(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := c.vault.Discard(ctx, handle); err != nil {
		c.logger.WarnContext(ctx, "failed to discard sealed blindings", "error", err)
	}
}

// reconcile rebuilds the record of an issuance that reached the anchor but was
// never persisted. attempt is the record of the current attempt; only its
// application-derived fields are reused. The anchored entry, the signed
// document it points to and a sealed blinding set reproducing the anchored
// root must all agree with it.
func (c *Coordinator) reconcile(
	ctx context.Context,
	attempt *models.CredentialRecord,
	sensitive map[string]any,
	flags disclosure.Flags,
	anchorErr error,
) (record *models.CredentialRecord, err error) {
	id := attempt.ID.String()
	ctx, span := c.tracer.Start(ctx, tracer.SpanIssueReconcile, tracer.String(tracer.AttrCredentialID, id))
	defer func() { span.End(err) }()

	entry, err := c.anchor.Lookup(ctx, id)
	if err != nil {
		return nil, fail(KindAnchor, id, err)
	}
	if entry.IssuerID != attempt.IssuerID || entry.HolderID != attempt.HolderID {
		return nil, fail(KindDuplicateIssuance, id, anchorErr)
	}
	unrecoverable := func(reason error) error {
		c.logger.ErrorContext(ctx, "anchored credential cannot be reconciled",
			"credential_id", id,
			"anchor_tx", entry.IssuedTx,
			"error", reason,
		)
		return fail(KindReconcile, id, errors.Join(ErrUnreconciled, reason, anchorErr))
	}

	raw, err := c.objects.Get(ctx, entry.Pointer)
	switch {
	case errors.Is(err, objectstore.ErrNotFound), errors.Is(err, objectstore.ErrInvalidCID), errors.Is(err, objectstore.ErrCIDMismatch):
		return nil, unrecoverable(fmt.Errorf("anchored document %q: %w", entry.Pointer, err))
	case err != nil:
		return nil, fail(KindPersistence, id, fmt.Errorf("load anchored document: %w", err))
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, unrecoverable(err)
	}

	rebuilt := *attempt
	if rebuilt.IssuedAt, rebuilt.ExpiresAt, err = documentTimes(doc.Payload); err != nil {
		return nil, unrecoverable(err)
	}
	payload, err := canonical.Marshal(rebuilt.Payload())
	if err != nil {
		return nil, unrecoverable(err)
	}
	anchored, err := canonical.Marshal(doc.Payload)
	if err != nil {
		return nil, unrecoverable(err)
	}
	if !bytes.Equal(payload, anchored) || canonical.HashBytes(payload) != entry.ContentHash {
		return nil, unrecoverable(errors.New("anchored document does not match the application"))
	}

	handle, blindings, set, err := c.recoverBlindings(ctx, attempt.IssuerID, id, sensitive, entry.CommitmentRoot)
	if err != nil {
		if errors.Is(err, ErrUnreconciled) {
			return nil, unrecoverable(err)
		}
		return nil, fail(KindPersistence, id, err)
	}
	proof, err := c.prove(ctx, sensitive, blindings, flags, set.Root)
	if err != nil {
		return nil, fail(KindProofGeneration, id, err)
	}

	rebuilt.ContentHash = entry.ContentHash
	rebuilt.CommitmentRoot = entry.CommitmentRoot
	rebuilt.CommittedFields = set.Fields()
	rebuilt.IssuanceProof = proof
	rebuilt.Signature = doc.Signature
	rebuilt.Pointer = entry.Pointer
	rebuilt.BlindingHandle = handle
	rebuilt.AnchorTx = entry.IssuedTx
	if entry.Revoked {
		revokedAt := entry.RevokedAt
		rebuilt.Status = models.CredentialRevoked
		rebuilt.RevokedReason = entry.RevokedReason
		rebuilt.RevokedAt = &revokedAt
	}

	c.logger.WarnContext(ctx, "reconciled credential anchored by an earlier attempt",
		"credential_id", id,
		"anchor_tx", entry.IssuedTx,
	)
	return &rebuilt, nil
}

// recoverBlindings finds the sealed blinding set whose root is the anchored
// one. Handles that fail to open are skipped; if none matches and any failed,
// the failure is returned so the caller can retry.
func (c *Coordinator) recoverBlindings(
	ctx context.Context,
	issuerID, credentialID string,
	sensitive map[string]any,
	root string,
) (string, commitment.Blindings, *commitment.Set, error) {
	handles, err := c.vault.Handles(ctx, issuerID, credentialID)
	if err != nil {
		return "", nil, nil, fmt.Errorf("list sealed blindings: %w", err)
	}
	var openErr error
	for _, handle := range handles {
		blindings, err := c.vault.Open(ctx, handle)
		if err != nil {
			openErr = err
			continue
		}
		set, err := commitment.Build(sensitive, blindings)
		if err != nil {
			continue
		}
		if commitment.Encode(set.Root) == root {
			return handle, blindings, set, nil
		}
	}
	if openErr != nil {
		return "", nil, nil, fmt.Errorf("open sealed blindings: %w", openErr)
	}
	return "", nil, nil, fmt.Errorf("%w: no sealed blindings reproduce the anchored root", ErrUnreconciled)
}

func decodeDocument(raw []byte) (*models.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc models.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode anchored document: %w", err)
	}
	return &doc, nil
}

func documentTimes(payload map[string]any) (time.Time, *time.Time, error) {
	raw, _ := payload["issued_at"].(string)
	issuedAt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("anchored document issued_at: %w", err)
	}
	switch v := payload["expires_at"].(type) {
	case nil:
		return issuedAt.UTC(), nil, nil
	case string:
		expires, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("anchored document expires_at: %w", err)
		}
		expires = expires.UTC()
		return issuedAt.UTC(), &expires, nil
	default:
		return time.Time{}, nil, fmt.Errorf("anchored document expires_at has type %T", v)
	}
}
