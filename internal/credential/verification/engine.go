// Package verification answers whether a credential is authentic, unaltered,
// unrevoked and unexpired.
//
// Verify is the issuer-side path: the payload is rebuilt from the stored
// record and checked against the anchor and the issuer signature.
// VerifyPresentation is the third-party path: it never reads issuer data and
// relies only on the anchor, the signed document behind the anchored pointer
// and the presented proof.
package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"certify/internal/credential/anchor"
	"certify/internal/credential/canonical"
	"certify/internal/credential/commitment"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/metrics"
	"certify/internal/credential/models"
	"certify/internal/credential/ports"
	"certify/internal/credential/signer"
	"certify/internal/credential/store"
	"certify/internal/sentinel"
	"certify/pkg/platform/outbox"
	"certify/pkg/platform/tracer"
	"certify/pkg/requestcontext"
)

// Status is the overall verification outcome.
type Status string

const (
	StatusValid        = Status(anchor.StatusValid)
	StatusNotFound     = Status(anchor.StatusNotFound)
	StatusRevoked      = Status(anchor.StatusRevoked)
	StatusHashMismatch = Status(anchor.StatusHashMismatch)
	StatusExpired      = Status(anchor.StatusExpired)

	// StatusInvalidSignature means the issuer signature did not verify.
	StatusInvalidSignature Status = "INVALID_SIGNATURE"
	// StatusInvalidProof means a presented disclosure proof did not verify.
	StatusInvalidProof Status = "INVALID_PROOF"
	// StatusAnchorUnavailable means the anchor could not be queried.
	StatusAnchorUnavailable Status = "ANCHOR_UNAVAILABLE"
)

// Request is one issuer-side verification. Proof is optional.
type Request struct {
	CredentialID models.CredentialID
	Proof        *disclosure.Proof
	Verifier     string
}

// Result is the structured outcome of a verification.
type Result struct {
	CredentialID models.CredentialID   `json:"credential_id"`
	Status       Status                `json:"status"`
	Valid        bool                  `json:"valid"`
	Checks       models.Checks         `json:"checks"`
	IssuerID     string                `json:"issuer_id,omitempty"`
	Type         models.CredentialType `json:"type,omitempty"`
	Disclosed    map[string]any        `json:"disclosed,omitempty"`
	ExpiresAt    *time.Time            `json:"expires_at,omitempty"`
	VerifiedAt   time.Time             `json:"verified_at"`
}

// Engine verifies credentials. It holds no locks; any number of
// verifications run in parallel.
type Engine struct {
	store    store.Store
	anchor   anchor.Anchor
	keys     ports.KeyResolver
	objects  ports.ObjectStore
	verifier *disclosure.Verifier
	events   outbox.Store
	logger   *slog.Logger
	tracer   tracer.Tracer
	metrics  *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithTracer(t tracer.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents publishes a credential_verified event per attempt.
func WithEvents(events outbox.Store) Option {
	return func(e *Engine) { e.events = events }
}

// New wires an engine. Every collaborator is required.
func New(
	st store.Store,
	a anchor.Anchor,
	keys ports.KeyResolver,
	objects ports.ObjectStore,
	v *disclosure.Verifier,
	opts ...Option,
) (*Engine, error) {
	switch {
	case st == nil:
		return nil, errors.New("credential store is required")
	case a == nil:
		return nil, errors.New("anchor is required")
	case keys == nil:
		return nil, errors.New("key resolver is required")
	case objects == nil:
		return nil, errors.New("object store is required")
	case v == nil:
		return nil, errors.New("disclosure verifier is required")
	}
	e := &Engine{
		store:    st,
		anchor:   a,
		keys:     keys,
		objects:  objects,
		verifier: v,
		logger:   slog.Default(),
		tracer:   tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// anchorView is what one anchor round trip learned.
type anchorView struct {
	status Status
	entry  *anchor.Entry
}

// Verify checks a stored credential. The returned error is non-nil only when
// the credential store itself fails.
func (e *Engine) Verify(ctx context.Context, req Request) (result *Result, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, tracer.SpanVerify, tracer.String(tracer.AttrCredentialID, req.CredentialID.String()))
	defer func() {
		if result != nil {
			span.SetAttributes(tracer.String(tracer.AttrStatus, string(result.Status)), tracer.Bool(tracer.AttrValid, result.Valid))
		}
		span.End(err)
	}()

	now := requestcontext.Now(ctx).UTC()
	result = &Result{CredentialID: req.CredentialID, VerifiedAt: now}

	record, err := e.store.FindCredential(ctx, req.CredentialID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, fmt.Errorf("load credential: %w", err)
		}
		result.Status = StatusNotFound
		e.finish(ctx, req.Verifier, result, start)
		return result, nil
	}
	result.IssuerID = record.IssuerID
	result.Type = record.Type
	result.ExpiresAt = record.ExpiresAt

	payload, canonErr := canonical.Marshal(record.Payload())
	checks := &result.Checks
	// The anchor is asked about the hash of the payload as it reads now, so a
	// tampered record is a mismatch on the anchor itself.
	recomputed := record.ContentHash
	if canonErr == nil {
		recomputed = canonical.HashBytes(payload)
	}
	checks.HashMatch = canonErr == nil && recomputed == record.ContentHash

	var view anchorView
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		view = e.queryAnchor(gctx, record.ID.String(), recomputed)
		return nil
	})
	g.Go(func() error {
		if canonErr != nil {
			return nil
		}
		checks.SignatureValid = e.checkSignature(gctx, record.IssuerID, payload, record.Signature)
		return nil
	})
	_ = g.Wait()

	if view.entry != nil {
		checks.AnchorMatch = view.entry.ContentHash == record.ContentHash
		checks.RootMatch = view.entry.CommitmentRoot == record.CommitmentRoot
	}
	checks.NotRevoked = record.Status != models.CredentialRevoked && view.status != StatusRevoked
	checks.NotExpired = record.EffectiveStatus(now) != models.CredentialExpired && view.status != StatusExpired

	disclosed := record.DisclosedFields
	if req.Proof != nil {
		ok := view.entry != nil && e.checkProof(ctx, req.Proof, view.entry.CommitmentRoot)
		checks.Disclosure = &ok
		if ok {
			disclosed = merge(disclosed, req.Proof.Signals.Disclosed())
		}
	}

	result.Status = resolve(view.status, *checks, record.Status == models.CredentialRevoked)
	result.Valid = result.Status == StatusValid
	if result.Valid {
		result.Disclosed = disclosed
	}
	e.finish(ctx, req.Verifier, result, start)
	return result, nil
}

// VerifyPresentation checks a holder presentation using only the anchor and
// the document it points to.
func (e *Engine) VerifyPresentation(ctx context.Context, credentialID models.CredentialID, proof *disclosure.Proof, verifier string) (result *Result, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, tracer.SpanVerifyPresentation, tracer.String(tracer.AttrCredentialID, credentialID.String()))
	defer func() {
		if result != nil {
			span.SetAttributes(tracer.String(tracer.AttrStatus, string(result.Status)), tracer.Bool(tracer.AttrValid, result.Valid))
		}
		span.End(err)
	}()

	now := requestcontext.Now(ctx).UTC()
	result = &Result{CredentialID: credentialID, VerifiedAt: now}
	if proof == nil {
		return nil, errors.New("presentation proof is required")
	}

	entry, err := e.anchor.Lookup(ctx, credentialID.String())
	if err != nil {
		if errors.Is(err, anchor.ErrNotFound) {
			result.Status = StatusNotFound
		} else {
			e.logger.WarnContext(ctx, "anchor lookup failed", "credential_id", credentialID, "error", err)
			result.Status = StatusAnchorUnavailable
		}
		e.finish(ctx, verifier, result, start)
		return result, nil
	}
	result.IssuerID = entry.IssuerID
	if !entry.Expiry.IsZero() {
		expires := entry.Expiry
		result.ExpiresAt = &expires
	}

	checks := &result.Checks
	var view anchorView
	var public map[string]any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		view = e.queryAnchor(gctx, entry.CredentialID, entry.ContentHash)
		return nil
	})
	g.Go(func() error {
		doc, ok := e.loadDocument(gctx, entry.Pointer)
		if !ok {
			return nil
		}
		payload, err := canonical.Marshal(doc.Payload)
		if err != nil {
			return nil
		}
		checks.HashMatch = canonical.HashBytes(payload) == entry.ContentHash
		checks.SignatureValid = e.checkSignature(gctx, entry.IssuerID, payload, doc.Signature)
		if fields, ok := doc.Payload["fields"].(map[string]any); ok {
			public = fields
		}
		return nil
	})
	_ = g.Wait()

	checks.AnchorMatch = checks.HashMatch
	checks.RootMatch = proof.Signals.Root == entry.CommitmentRoot
	checks.NotRevoked = view.status != StatusRevoked
	checks.NotExpired = view.status != StatusExpired
	ok := e.checkProof(ctx, proof, entry.CommitmentRoot)
	checks.Disclosure = &ok

	result.Status = resolve(view.status, *checks, false)
	result.Valid = result.Status == StatusValid
	if result.Valid {
		result.Disclosed = merge(public, proof.Signals.Disclosed())
	}
	if e.metrics != nil {
		e.metrics.IncrementPresentation(string(result.Status))
	}
	e.finish(ctx, verifier, result, start)
	return result, nil
}

func (e *Engine) queryAnchor(ctx context.Context, id, contentHash string) anchorView {
	_, status, err := e.anchor.Verify(ctx, id, contentHash)
	if err != nil {
		e.logger.WarnContext(ctx, "anchor verify failed", "credential_id", id, "error", err)
		return anchorView{status: StatusAnchorUnavailable}
	}
	view := anchorView{status: Status(status)}
	if status == anchor.StatusNotFound {
		return view
	}
	entry, err := e.anchor.Lookup(ctx, id)
	if err != nil {
		e.logger.WarnContext(ctx, "anchor lookup failed", "credential_id", id, "error", err)
		return view
	}
	view.entry = &entry
	return view
}

func (e *Engine) checkSignature(ctx context.Context, issuerID string, payload []byte, sig signer.Signature) bool {
	if sig.IsZero() {
		return false
	}
	pub, err := e.keys.PublicKey(ctx, sig.KeyID)
	if err != nil {
		e.logger.WarnContext(ctx, "public key unavailable", "key_id", sig.KeyID, "error", err)
		return false
	}
	if pub.IssuerID != issuerID || pub.Algorithm != sig.Algorithm {
		return false
	}
	return signer.Verify(pub, payload, sig)
}

func (e *Engine) checkProof(ctx context.Context, proof *disclosure.Proof, anchoredRoot string) bool {
	root, err := commitment.Decode(anchoredRoot)
	if err != nil {
		return false
	}
	start := time.Now()
	ok := e.verifier.VerifyAgainstRoot(proof, root)
	if e.metrics != nil {
		e.metrics.ObserveProofLatency("verify", time.Since(start).Seconds())
	}
	if !ok {
		e.logger.DebugContext(ctx, "disclosure proof rejected", "root", anchoredRoot)
	}
	return ok
}

func (e *Engine) loadDocument(ctx context.Context, pointer string) (*models.Document, bool) {
	if pointer == "" {
		return nil, false
	}
	raw, err := e.objects.Get(ctx, pointer)
	if err != nil {
		e.logger.WarnContext(ctx, "credential document unavailable", "pointer", pointer, "error", err)
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc models.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	return &doc, true
}

// resolve orders outcomes. A record the store holds as revoked is REVOKED
// whatever the anchor says or whether it answered; otherwise NOT_FOUND,
// ANCHOR_UNAVAILABLE, REVOKED, HASH_MISMATCH, EXPIRED, then signature and proof
// failures.
func resolve(anchored Status, c models.Checks, storeRevoked bool) Status {
	switch {
	case storeRevoked:
		return StatusRevoked
	case anchored == StatusNotFound:
		return StatusNotFound
	case anchored == StatusAnchorUnavailable:
		return StatusAnchorUnavailable
	case anchored == StatusRevoked:
		return StatusRevoked
	case anchored == StatusHashMismatch || !c.HashMatch || !c.AnchorMatch || !c.RootMatch:
		return StatusHashMismatch
	case anchored == StatusExpired || !c.NotExpired:
		return StatusExpired
	case !c.SignatureValid:
		return StatusInvalidSignature
	case c.Disclosure != nil && !*c.Disclosure:
		return StatusInvalidProof
	default:
		return StatusValid
	}
}

// finish records the attempt. Logging, event and metric failures never change
// the result.
func (e *Engine) finish(ctx context.Context, verifier string, r *Result, start time.Time) {
	if e.metrics != nil {
		e.metrics.IncrementVerification(string(r.Status))
		e.metrics.ObserveVerificationLatency(time.Since(start).Seconds())
	}

	entry := &models.VerificationLogEntry{
		CredentialID: r.CredentialID,
		Verifier:     verifier,
		Status:       string(r.Status),
		Valid:        r.Valid,
		Checks:       r.Checks,
		VerifiedAt:   r.VerifiedAt,
	}
	if err := e.store.AppendVerification(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "failed to append verification log", "credential_id", r.CredentialID, "error", err)
	}

	if e.events != nil {
		event, err := outbox.NewJSONEntry(models.AggregateCredential, r.CredentialID.String(), string(models.EventCredentialVerified), models.LifecycleEvent{
			Type:         models.EventCredentialVerified,
			CredentialID: r.CredentialID.String(),
			IssuerID:     r.IssuerID,
			Actor:        verifier,
			Status:       string(r.Status),
			RequestID:    requestcontext.RequestID(ctx),
			At:           r.VerifiedAt,
		}, r.VerifiedAt)
		if err == nil {
			err = e.events.Append(ctx, event)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "failed to publish verification event", "credential_id", r.CredentialID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "credential verified",
		"credential_id", r.CredentialID,
		"status", r.Status,
		"valid", r.Valid,
		"request_id", requestcontext.RequestID(ctx),
	)
}

func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
