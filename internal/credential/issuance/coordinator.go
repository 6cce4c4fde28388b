// Package issuance turns approved applications into anchored credentials.
//
// One issuance runs canonicalize, commit, prove, sign, store document, seal
// blindings, anchor, persist. Any failure aborts the whole pipeline and nothing
// is written to the credential store; the record and the application's move to
// ISSUED are persisted together as the final step. When an earlier attempt
// reached the anchor but not the store, a retry rebuilds that attempt's record
// instead of reporting a duplicate.
package issuance

import (
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
	"certify/internal/credential/store"
	"certify/internal/sentinel"
	"certify/pkg/platform/outbox"
	platformsync "certify/pkg/platform/sync"
	"certify/pkg/platform/tracer"
	"certify/pkg/requestcontext"
)

var (
	ErrAlreadyIssued   = errors.New("subject already holds a credential")
	ErrNotApproved     = errors.New("application is not approved")
	ErrAlreadyRevoked  = errors.New("credential already revoked")
	ErrReasonRequired  = errors.New("revocation reason is required")
	ErrUnknownSchema   = errors.New("no schema for credential type")
	ErrEmptyCommitment = errors.New("application has no sensitive fields to commit")
	ErrUnreconciled    = errors.New("anchored credential cannot be reconciled")
)

const defaultBatchConcurrency = 4

// IssueCommand asks for the credential of one approved application. Authority
// is the anchor identity the call is made under.
type IssueCommand struct {
	ApplicationID models.ApplicationID
	Authority     string
}

// RevokeCommand revokes an issued credential.
type RevokeCommand struct {
	CredentialID models.CredentialID
	Authority    string
	Reason       string
}

// BatchResult is the outcome for one application of a batch.
type BatchResult struct {
	ApplicationID models.ApplicationID
	Record        *models.CredentialRecord
	Err           error
}

// Coordinator runs issuance and revocation.
type Coordinator struct {
	store       store.Store
	anchor      anchor.Anchor
	signer      ports.Signer
	vault       ports.BlindingVault
	objects     ports.ObjectStore
	prover      *disclosure.Prover
	locks       *platformsync.ShardedMutex
	logger      *slog.Logger
	tracer      tracer.Tracer
	metrics     *metrics.Metrics
	validity    time.Duration
	batchLimit  int
	lockTimeout time.Duration
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithTracer(t tracer.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithDefaultValidity sets the lifetime of credentials whose schema has none.
// Zero keeps them valid until revoked.
func WithDefaultValidity(d time.Duration) Option {
	return func(c *Coordinator) { c.validity = d }
}

// WithBatchConcurrency caps the number of issuances a batch runs at once.
func WithBatchConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchLimit = n
		}
	}
}

// WithLockTimeout bounds a locked operation when the caller set no deadline.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTimeout = d
		}
	}
}

// New wires a coordinator. Every collaborator is required.
func New(
	st store.Store,
	a anchor.Anchor,
	s ports.Signer,
	v ports.BlindingVault,
	o ports.ObjectStore,
	p *disclosure.Prover,
	opts ...Option,
) (*Coordinator, error) {
	switch {
	case st == nil:
		return nil, errors.New("credential store is required")
	case a == nil:
		return nil, errors.New("anchor is required")
	case s == nil:
		return nil, errors.New("signer is required")
	case v == nil:
		return nil, errors.New("blinding vault is required")
	case o == nil:
		return nil, errors.New("object store is required")
	case p == nil:
		return nil, errors.New("disclosure prover is required")
	}

	c := &Coordinator{
		store:       st,
		anchor:      a,
		signer:      s,
		vault:       v,
		objects:     o,
		prover:      p,
		locks:       platformsync.NewShardedMutex(0),
		logger:      slog.Default(),
		tracer:      tracer.NewNoop(),
		batchLimit:  defaultBatchConcurrency,
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue issues the credential for an approved application. A subject can hold
// at most one credential; every later attempt fails with KindDuplicateIssuance.
func (c *Coordinator) Issue(ctx context.Context, cmd IssueCommand) (record *models.CredentialRecord, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, tracer.SpanIssue, tracer.String("application_id", cmd.ApplicationID.String()))
	defer func() {
		span.End(err)
		c.observeIssue(record, err, start)
	}()

	app, err := c.store.FindApplication(ctx, cmd.ApplicationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, fail(KindInvalidState, "", fmt.Errorf("application %s: %w", cmd.ApplicationID, err))
		}
		return nil, fail(KindPersistence, "", fmt.Errorf("load application: %w", err))
	}

	id := models.CredentialIDForSubject(app.SubjectID)
	span.SetAttributes(
		tracer.String(tracer.AttrCredentialID, id.String()),
		tracer.String(tracer.AttrSubjectHash, tracer.HashSubject(app.SubjectID)),
		tracer.String(tracer.AttrIssuerID, app.IssuerID),
	)

	err = c.withSubjectLock(ctx, app.SubjectID, func(ctx context.Context) error {
		var lockedErr error
		record, lockedErr = c.issueLocked(ctx, cmd, id, app.SubjectID)
		return lockedErr
	})
	if err != nil {
		if IsKind(err, KindDuplicateIssuance) {
			span.AddEvent(tracer.EventDuplicateDetected)
		}
		return nil, err
	}

	c.logger.InfoContext(ctx, "credential issued",
		"credential_id", record.ID,
		"application_id", record.ApplicationID,
		"issuer_id", record.IssuerID,
		"anchor_tx", record.AnchorTx,
		"request_id", requestcontext.RequestID(ctx),
	)
	return record, nil
}

func (c *Coordinator) issueLocked(ctx context.Context, cmd IssueCommand, id models.CredentialID, subjectID string) (*models.CredentialRecord, error) {
	// Re-read under the lock: an earlier holder may have issued in between.
	existing, err := c.store.FindCredentialBySubject(ctx, subjectID)
	switch {
	case err == nil:
		return nil, fail(KindDuplicateIssuance, existing.ID.String(), ErrAlreadyIssued)
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, fail(KindPersistence, id.String(), fmt.Errorf("check subject: %w", err))
	}

	app, err := c.store.FindApplication(ctx, cmd.ApplicationID)
	if err != nil {
		return nil, fail(KindPersistence, id.String(), fmt.Errorf("reload application: %w", err))
	}
	if app.Status != models.ApplicationApproved {
		return nil, fail(KindInvalidState, id.String(), fmt.Errorf("application is %s: %w", app.Status, ErrNotApproved))
	}
	schema, ok := models.SchemaFor(app.Type)
	if !ok {
		return nil, fail(KindInvalidState, id.String(), fmt.Errorf("%s: %w", app.Type, ErrUnknownSchema))
	}

	now := requestcontext.Now(ctx).UTC().Truncate(time.Second)
	public, sensitive := app.SplitFields()
	if len(sensitive) == 0 {
		return nil, fail(KindCanonicalization, id.String(), ErrEmptyCommitment)
	}

	record := &models.CredentialRecord{
		ID:              id,
		ApplicationID:   app.ID,
		SubjectID:       app.SubjectID,
		Type:            app.Type,
		IssuerID:        app.IssuerID,
		HolderID:        app.ApplicantID,
		DisclosedFields: public,
		Status:          models.CredentialIssued,
		IssuedAt:        now,
	}
	if validity := c.validityFor(schema); validity > 0 {
		expires := now.Add(validity)
		record.ExpiresAt = &expires
	}

	payload, err := canonical.Marshal(record.Payload())
	if err != nil {
		return nil, fail(KindCanonicalization, id.String(), err)
	}
	record.ContentHash = canonical.HashBytes(payload)

	blindings, set, err := c.commit(ctx, sensitive)
	if err != nil {
		return nil, fail(KindCanonicalization, id.String(), err)
	}
	record.CommitmentRoot = commitment.Encode(set.Root)
	record.CommittedFields = set.Fields()

	proof, err := c.prove(ctx, sensitive, blindings, disclosureFlags(app.Disclose, sensitive), set.Root)
	if err != nil {
		return nil, fail(KindProofGeneration, id.String(), err)
	}
	record.IssuanceProof = proof

	signCtx, signSpan := c.tracer.Start(ctx, tracer.SpanIssueSign)
	sig, err := c.signer.Sign(signCtx, app.IssuerID, payload)
	signSpan.End(err)
	if err != nil {
		return nil, fail(KindSigning, id.String(), err)
	}
	record.Signature = sig

	doc, err := json.Marshal(models.Document{Payload: record.Payload(), Signature: sig})
	if err != nil {
		return nil, fail(KindPersistence, id.String(), fmt.Errorf("encode document: %w", err))
	}
	if record.Pointer, err = c.objects.Put(ctx, doc); err != nil {
		return nil, fail(KindPersistence, id.String(), fmt.Errorf("store document: %w", err))
	}

	// Blindings are sealed before anchoring so an anchored credential always
	// has recoverable blindings.
	if record.BlindingHandle, err = c.vault.Seal(ctx, app.IssuerID, id.String(), blindings); err != nil {
		return nil, fail(KindPersistence, id.String(), fmt.Errorf("seal blindings: %w", err))
	}

	anchorCtx, anchorSpan := c.tracer.Start(ctx, tracer.SpanIssueAnchor)
	receipt, err := c.anchor.Issue(anchorCtx, cmd.Authority, record.AnchorRequest())
	anchorSpan.End(err)
	if err != nil {
		c.discard(ctx, record.BlindingHandle)
		if !errors.Is(err, anchor.ErrAlreadyIssued) {
			return nil, fail(KindAnchor, id.String(), err)
		}
		recovered, rErr := c.reconcile(ctx, record, sensitive, disclosureFlags(app.Disclose, sensitive), err)
		if rErr != nil {
			return nil, rErr
		}
		record = recovered
		receipt = anchor.Receipt{CredentialID: id.String(), TxRef: recovered.AnchorTx, Status: anchor.ReceiptConfirmed}
	}
	record.AnchorTx = receipt.TxRef

	event, err := c.lifecycleEvent(ctx, models.EventCredentialIssued, record, receipt.TxRef, "", now)
	if err != nil {
		return nil, fail(KindPersistence, id.String(), err)
	}
	if err := c.store.CreateCredential(ctx, record, event); err != nil {
		c.logger.ErrorContext(ctx, "credential anchored but not persisted",
			"credential_id", id,
			"anchor_tx", receipt.TxRef,
			"error", err,
		)
		switch {
		case errors.Is(err, sentinel.ErrAlreadyUsed):
			return nil, fail(KindDuplicateIssuance, id.String(), err)
		case errors.Is(err, sentinel.ErrInvalidState):
			return nil, fail(KindInvalidState, id.String(), err)
		default:
			return nil, fail(KindPersistence, id.String(), err)
		}
	}
	return record, nil
}

func (c *Coordinator) commit(ctx context.Context, sensitive map[string]any) (commitment.Blindings, *commitment.Set, error) {
	_, span := c.tracer.Start(ctx, tracer.SpanIssueCommit, tracer.Int64(tracer.AttrFieldCount, int64(len(sensitive))))
	blindings, err := commitment.NewBlindings(models.SortedFields(sensitive))
	if err != nil {
		span.End(err)
		return nil, nil, err
	}
	set, err := commitment.Build(sensitive, blindings)
	span.End(err)
	if err != nil {
		return nil, nil, err
	}
	return blindings, set, nil
}

func (c *Coordinator) prove(ctx context.Context, values map[string]any, blindings commitment.Blindings, flags disclosure.Flags, root commitment.Element) (*disclosure.Proof, error) {
	_, span := c.tracer.Start(ctx, tracer.SpanIssueProve, tracer.Int64(tracer.AttrDisclosed, int64(len(flags))))
	start := time.Now()
	proof, err := c.prover.Prove(values, blindings, flags, root)
	span.End(err)
	if c.metrics != nil {
		c.metrics.ObserveProofLatency("prove", time.Since(start).Seconds())
	}
	return proof, err
}

// Revoke revokes an issued credential on the anchor and in the store.
func (c *Coordinator) Revoke(ctx context.Context, cmd RevokeCommand) (record *models.CredentialRecord, err error) {
	ctx, span := c.tracer.Start(ctx, tracer.SpanRevoke, tracer.String(tracer.AttrCredentialID, cmd.CredentialID.String()))
	defer func() { span.End(err) }()

	if cmd.Reason == "" {
		return nil, fail(KindInvalidState, cmd.CredentialID.String(), ErrReasonRequired)
	}
	current, err := c.store.FindCredential(ctx, cmd.CredentialID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, fail(KindInvalidState, cmd.CredentialID.String(), fmt.Errorf("credential %s: %w", cmd.CredentialID, err))
		}
		return nil, fail(KindPersistence, cmd.CredentialID.String(), err)
	}

	err = c.withSubjectLock(ctx, current.SubjectID, func(ctx context.Context) error {
		var lockedErr error
		record, lockedErr = c.revokeLocked(ctx, cmd)
		return lockedErr
	})
	if err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.IncrementRevoked(string(record.Type))
	}
	c.logger.InfoContext(ctx, "credential revoked",
		"credential_id", record.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return record, nil
}

func (c *Coordinator) revokeLocked(ctx context.Context, cmd RevokeCommand) (*models.CredentialRecord, error) {
	id := cmd.CredentialID.String()
	record, err := c.store.FindCredential(ctx, cmd.CredentialID)
	if err != nil {
		return nil, fail(KindPersistence, id, err)
	}
	if record.Status == models.CredentialRevoked {
		return nil, fail(KindInvalidState, id, ErrAlreadyRevoked)
	}

	receipt, err := c.anchor.Revoke(ctx, cmd.Authority, id, cmd.Reason)
	switch {
	case err == nil:
	case errors.Is(err, anchor.ErrAlreadyRevoked):
		// An earlier attempt revoked on the anchor but failed to persist.
		entry, lookupErr := c.anchor.Lookup(ctx, id)
		if lookupErr != nil {
			return nil, fail(KindAnchor, id, lookupErr)
		}
		receipt = anchor.Receipt{CredentialID: id, TxRef: entry.RevokedTx, Status: anchor.ReceiptConfirmed}
		c.logger.WarnContext(ctx, "converging revocation already recorded on anchor", "credential_id", id)
	default:
		return nil, fail(KindAnchor, id, err)
	}

	now := requestcontext.Now(ctx).UTC()
	record.Status = models.CredentialRevoked
	record.RevokedReason = cmd.Reason
	record.RevokedAt = &now

	event, err := c.lifecycleEvent(ctx, models.EventCredentialRevoked, record, receipt.TxRef, cmd.Reason, now)
	if err != nil {
		return nil, fail(KindPersistence, id, err)
	}
	if err := c.store.MarkRevoked(ctx, cmd.CredentialID, cmd.Reason, now, event); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, fail(KindInvalidState, id, err)
		}
		return nil, fail(KindPersistence, id, err)
	}
	return record, nil
}

// BatchIssue issues every application independently. One failure never
// affects another; results are in input order.
func (c *Coordinator) BatchIssue(ctx context.Context, authority string, ids []models.ApplicationID) ([]BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	results := make([]BatchResult, len(ids))

	var g errgroup.Group
	g.SetLimit(c.batchLimit)
	for i, appID := range ids {
		g.Go(func() error {
			record, err := c.Issue(ctx, IssueCommand{ApplicationID: appID, Authority: authority})
			results[i] = BatchResult{ApplicationID: appID, Record: record, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (c *Coordinator) validityFor(schema models.Schema) time.Duration {
	if schema.Validity > 0 {
		return schema.Validity
	}
	return c.validity
}

func (c *Coordinator) lifecycleEvent(ctx context.Context, kind models.EventType, r *models.CredentialRecord, anchorTx, reason string, at time.Time) (*outbox.Entry, error) {
	var actor string
	if p, ok := requestcontext.PrincipalFrom(ctx); ok {
		actor = p.Subject
	}
	return outbox.NewJSONEntry(models.AggregateCredential, r.ID.String(), string(kind), models.LifecycleEvent{
		Type:         kind,
		CredentialID: r.ID.String(),
		Application:  r.ApplicationID.String(),
		IssuerID:     r.IssuerID,
		Actor:        actor,
		Status:       string(r.Status),
		Reason:       reason,
		AnchorTx:     anchorTx,
		RequestID:    requestcontext.RequestID(ctx),
		At:           at,
	}, at)
}

func (c *Coordinator) observeIssue(record *models.CredentialRecord, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	if err != nil {
		var iErr *Error
		kind := "unknown"
		if errors.As(err, &iErr) {
			kind = string(iErr.Kind)
		}
		c.metrics.IncrementIssuanceFailure(kind)
		return
	}
	c.metrics.IncrementIssued(string(record.Type))
	c.metrics.ObserveIssuanceLatency(time.Since(start).Seconds())
}

// disclosureFlags keeps the requested fields that are actually committed.
// Non-sensitive fields are already public in the payload.
func disclosureFlags(requested []string, committed map[string]any) disclosure.Flags {
	flags := make(disclosure.Flags)
	for _, name := range requested {
		if _, ok := committed[name]; ok {
			flags[name] = true
		}
	}
	return flags
}
