// Package presentation builds holder presentations: fresh disclosure proofs
// over a holder-chosen subset of a credential's committed fields.
package presentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"certify/internal/credential/commitment"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/metrics"
	"certify/internal/credential/models"
	"certify/internal/credential/ports"
	"certify/internal/credential/store"
	"certify/internal/sentinel"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/tracer"
	"certify/pkg/requestcontext"
)

// Request names the credential and the committed fields to reveal. HolderID,
// when set, must match the credential's holder.
type Request struct {
	CredentialID models.CredentialID
	HolderID     string
	Fields       []string
}

// Presentation is what a holder hands to a verifier.
type Presentation struct {
	CredentialID models.CredentialID `json:"credential_id"`
	Proof        *disclosure.Proof   `json:"proof"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Store is the subset of the credential store presentations read.
type Store interface {
	FindCredential(ctx context.Context, id models.CredentialID) (*models.CredentialRecord, error)
	FindApplication(ctx context.Context, id models.ApplicationID) (*models.Application, error)
}

var _ Store = (store.Store)(nil)

type Service struct {
	store   Store
	vault   ports.BlindingVault
	prover  *disclosure.Prover
	logger  *slog.Logger
	tracer  tracer.Tracer
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(st Store, vault ports.BlindingVault, prover *disclosure.Prover, opts ...Option) *Service {
	s := &Service{
		store:  st,
		vault:  vault,
		prover: prover,
		logger: slog.Default(),
		tracer: tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Present proves knowledge of every committed field of the credential while
// revealing only req.Fields. An empty field list reveals nothing.
func (s *Service) Present(ctx context.Context, req Request) (p *Presentation, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanPresent,
		tracer.String(tracer.AttrCredentialID, req.CredentialID.String()),
		tracer.Int64(tracer.AttrDisclosed, int64(len(req.Fields))),
	)
	defer func() { span.End(err) }()

	record, err := s.store.FindCredential(ctx, req.CredentialID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "credential not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credential")
	}
	if req.HolderID != "" && req.HolderID != record.HolderID {
		return nil, dErrors.New(dErrors.CodeForbidden, "credential belongs to another holder")
	}
	now := requestcontext.Now(ctx).UTC()
	if status := record.EffectiveStatus(now); status != models.CredentialIssued {
		return nil, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("credential is %s", status))
	}

	committed := make(map[string]bool, len(record.CommittedFields))
	for _, f := range record.CommittedFields {
		committed[f] = true
	}
	for _, f := range req.Fields {
		if !committed[f] {
			return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("field %q is not committed in this credential", f))
		}
	}

	app, err := s.store.FindApplication(ctx, record.ApplicationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credential source data")
	}
	_, sensitive := app.SplitFields()
	values := make(map[string]any, len(record.CommittedFields))
	for _, f := range record.CommittedFields {
		v, ok := sensitive[f]
		if !ok {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, fmt.Sprintf("source data lacks committed field %q", f))
		}
		values[f] = v
	}

	blindings, err := s.vault.Open(ctx, record.BlindingHandle)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to open blinding factors")
	}
	root, err := commitment.Decode(record.CommitmentRoot)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "stored commitment root is malformed")
	}

	start := time.Now()
	proof, err := s.prover.Prove(values, blindings, disclosure.FlagsFor(req.Fields...), root)
	if s.metrics != nil {
		s.metrics.ObserveProofLatency("present", time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "presentation proof failed",
			"credential_id", record.ID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build presentation proof")
	}

	s.logger.InfoContext(ctx, "presentation built",
		"credential_id", record.ID,
		"disclosed", len(req.Fields),
		"request_id", requestcontext.RequestID(ctx),
	)
	return &Presentation{CredentialID: record.ID, Proof: proof, CreatedAt: now}, nil
}
