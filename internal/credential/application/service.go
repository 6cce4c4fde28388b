// Package application runs the approval workflow that precedes issuance:
// submit, then approve or reject.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"certify/internal/credential/models"
	"certify/internal/credential/store"
	"certify/internal/sentinel"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/outbox"
	"certify/pkg/requestcontext"
)

// SubmitCommand is a new application. Sensitive defaults to the schema's
// sensitive set; Disclose lists committed fields the issuance proof reveals.
type SubmitCommand struct {
	Type        models.CredentialType
	IssuerID    string
	ApplicantID string
	SubjectID   string
	Fields      map[string]any
	Sensitive   []string
	Disclose    []string
}

type Service struct {
	store  store.Applications
	logger *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(st store.Applications, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (*models.Application, error) {
	schema, ok := models.SchemaFor(cmd.Type)
	if !ok {
		return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unsupported credential type %q", cmd.Type))
	}
	if cmd.IssuerID == "" || cmd.SubjectID == "" || cmd.ApplicantID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "issuer_id, applicant_id and subject_id are required")
	}
	for _, name := range schema.Required {
		v, ok := cmd.Fields[name]
		if !ok || v == nil || v == "" {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("field %q is required for %s", name, cmd.Type))
		}
	}

	sensitive := cmd.Sensitive
	if len(sensitive) == 0 {
		sensitive = schema.Sensitive
	}
	sensitive = slices.Clone(sensitive)
	for _, name := range sensitive {
		if _, ok := cmd.Fields[name]; !ok {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("sensitive field %q is not present", name))
		}
	}
	for _, name := range cmd.Disclose {
		if !slices.Contains(sensitive, name) {
			return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("disclosed field %q is not sensitive", name))
		}
	}

	now := requestcontext.Now(ctx).UTC()
	app := &models.Application{
		ID:          models.NewApplicationID(),
		Type:        cmd.Type,
		IssuerID:    cmd.IssuerID,
		ApplicantID: cmd.ApplicantID,
		SubjectID:   cmd.SubjectID,
		Fields:      cmd.Fields,
		Sensitive:   sensitive,
		Disclose:    slices.Clone(cmd.Disclose),
		Status:      models.ApplicationSubmitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save application")
	}

	s.logger.InfoContext(ctx, "application submitted",
		"application_id", app.ID,
		"type", app.Type,
		"issuer_id", app.IssuerID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return app, nil
}

func (s *Service) Get(ctx context.Context, id models.ApplicationID) (*models.Application, error) {
	app, err := s.store.FindApplication(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "application not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load application")
	}
	return app, nil
}

func (s *Service) List(ctx context.Context, status models.ApplicationStatus) ([]*models.Application, error) {
	apps, err := s.store.ListApplications(ctx, status)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list applications")
	}
	return apps, nil
}

func (s *Service) Approve(ctx context.Context, id models.ApplicationID, reviewer string) (*models.Application, error) {
	return s.decide(ctx, id, func(app *models.Application, now time.Time) error {
		return app.Approve(reviewer, now)
	})
}

func (s *Service) Reject(ctx context.Context, id models.ApplicationID, reviewer, reason string) (*models.Application, error) {
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "rejection reason is required")
	}
	return s.decide(ctx, id, func(app *models.Application, now time.Time) error {
		return app.Reject(reviewer, reason, now)
	})
}

func (s *Service) decide(ctx context.Context, id models.ApplicationID, transition func(*models.Application, time.Time) error) (*models.Application, error) {
	app, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := requestcontext.Now(ctx).UTC()
	if err := transition(app, now); err != nil {
		return nil, err
	}

	event, err := outbox.NewJSONEntry(models.AggregateApplication, app.ID.String(), string(models.EventApplicationDecided), models.LifecycleEvent{
		Type:        models.EventApplicationDecided,
		Application: app.ID.String(),
		IssuerID:    app.IssuerID,
		Actor:       app.ReviewedBy,
		Status:      string(app.Status),
		Reason:      app.DecisionReason,
		RequestID:   requestcontext.RequestID(ctx),
		At:          now,
	}, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build decision event")
	}
	if err := s.store.SaveReview(ctx, app, event); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "application was already decided")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save decision")
	}

	s.logger.InfoContext(ctx, "application decided",
		"application_id", app.ID,
		"status", app.Status,
		"request_id", requestcontext.RequestID(ctx),
	)
	return app, nil
}
