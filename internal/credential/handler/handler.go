// Package handler exposes the credential protocol over HTTP: the
// application workflow, issuance and revocation for officials, holder
// presentations, and public verification.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certify/internal/credential/application"
	"certify/internal/credential/disclosure"
	"certify/internal/credential/issuance"
	"certify/internal/credential/models"
	"certify/internal/credential/presentation"
	"certify/internal/credential/verification"
	"certify/internal/sentinel"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/httputil"
	"certify/pkg/platform/middleware/auth"
	"certify/pkg/requestcontext"
)

// RoleOfficial is carried by tokens of officials who review applications
// and issue or revoke credentials.
const RoleOfficial = "official"

const anonymousVerifier = "anonymous"

type Applications interface {
	Submit(ctx context.Context, cmd application.SubmitCommand) (*models.Application, error)
	Get(ctx context.Context, id models.ApplicationID) (*models.Application, error)
	List(ctx context.Context, status models.ApplicationStatus) ([]*models.Application, error)
	Approve(ctx context.Context, id models.ApplicationID, reviewer string) (*models.Application, error)
	Reject(ctx context.Context, id models.ApplicationID, reviewer, reason string) (*models.Application, error)
}

type Issuer interface {
	Issue(ctx context.Context, cmd issuance.IssueCommand) (*models.CredentialRecord, error)
	BatchIssue(ctx context.Context, authority string, ids []models.ApplicationID) ([]issuance.BatchResult, error)
	Revoke(ctx context.Context, cmd issuance.RevokeCommand) (*models.CredentialRecord, error)
}

type Verifier interface {
	Verify(ctx context.Context, req verification.Request) (*verification.Result, error)
	VerifyPresentation(ctx context.Context, id models.CredentialID, proof *disclosure.Proof, verifier string) (*verification.Result, error)
}

type Presenter interface {
	Present(ctx context.Context, req presentation.Request) (*presentation.Presentation, error)
}

// Records is the read side of the credential store.
type Records interface {
	FindCredential(ctx context.Context, id models.CredentialID) (*models.CredentialRecord, error)
	ListVerifications(ctx context.Context, id models.CredentialID) ([]models.VerificationLogEntry, error)
}

type Handler struct {
	apps      Applications
	issuer    Issuer
	verifier  Verifier
	presenter Presenter
	records   Records
	logger    *slog.Logger
}

func New(apps Applications, issuer Issuer, verifier Verifier, presenter Presenter, records Records, logger *slog.Logger) *Handler {
	return &Handler{
		apps:      apps,
		issuer:    issuer,
		verifier:  verifier,
		presenter: presenter,
		records:   records,
		logger:    logger,
	}
}

// Register mounts every route. Verification is public and runs behind
// public; everything else runs behind authenticate, and workflow decisions
// need RoleOfficial.
func (h *Handler) Register(r chi.Router, authenticate func(http.Handler) http.Handler, public ...func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(public...)
		r.Post("/v1/verify", h.HandleVerify)
		r.Post("/v1/presentations/verify", h.HandleVerifyPresentation)
	})

	r.Group(func(r chi.Router) {
		r.Use(authenticate)
		r.Post("/v1/applications", h.HandleSubmitApplication)
		r.Get("/v1/applications/{id}", h.HandleGetApplication)
		r.Get("/v1/credentials/{id}", h.HandleGetCredential)
		r.Post("/v1/credentials/{id}/presentations", h.HandlePresent)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(h.logger, RoleOfficial))
			r.Get("/v1/applications", h.HandleListApplications)
			r.Post("/v1/applications/{id}/approve", h.HandleApprove)
			r.Post("/v1/applications/{id}/reject", h.HandleReject)
			r.Post("/v1/applications/{id}/issue", h.HandleIssue)
			r.Post("/v1/credentials/batch-issue", h.HandleBatchIssue)
			r.Post("/v1/credentials/{id}/revoke", h.HandleRevoke)
			r.Get("/v1/credentials/{id}/verifications", h.HandleVerificationLog)
		})
	})
}

func (h *Handler) HandleSubmitApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	principal, err := httputil.RequirePrincipal(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, ok := httputil.DecodeAndPrepare[SubmitApplicationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	credType, err := models.ParseCredentialType(req.Type)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	app, err := h.apps.Submit(ctx, application.SubmitCommand{
		Type:        credType,
		IssuerID:    req.IssuerID,
		ApplicantID: principal.Subject,
		SubjectID:   req.SubjectID,
		Fields:      req.Fields,
		Sensitive:   req.Sensitive,
		Disclose:    req.Disclose,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "submit application failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toApplicationResponse(app))
}

func (h *Handler) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := models.ApplicationStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ApplicationSubmitted, models.ApplicationApproved, models.ApplicationRejected, models.ApplicationIssued:
	default:
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unknown application status"))
		return
	}

	apps, err := h.apps.List(ctx, status)
	if err != nil {
		h.logger.ErrorContext(ctx, "list applications failed", "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	out := ApplicationListResponse{Applications: make([]ApplicationResponse, 0, len(apps))}
	for _, app := range apps {
		if principal.IssuerID != "" && app.IssuerID != principal.IssuerID {
			continue
		}
		out.Applications = append(out.Applications, toApplicationResponse(app))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// HandleGetApplication serves the applicant and officials of the issuer.
func (h *Handler) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app, ok := h.loadApplication(w, r)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	if principal.Subject != app.ApplicantID && !canActFor(principal, app.IssuerID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "application not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toApplicationResponse(app))
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app, ok := h.loadOwnApplication(w, r)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	approved, err := h.apps.Approve(ctx, app.ID, principal.Subject)
	if err != nil {
		h.logger.WarnContext(ctx, "approve application failed", "error", err, "application_id", app.ID, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toApplicationResponse(approved))
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	app, ok := h.loadOwnApplication(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RejectRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	rejected, err := h.apps.Reject(ctx, app.ID, principal.Subject, req.Reason)
	if err != nil {
		h.logger.WarnContext(ctx, "reject application failed", "error", err, "application_id", app.ID, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toApplicationResponse(rejected))
}

// HandleIssue issues the credential of an approved application under the
// official's anchor authority.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app, ok := h.loadOwnApplication(w, r)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	record, err := h.issuer.Issue(ctx, issuance.IssueCommand{ApplicationID: app.ID, Authority: authorityOf(principal)})
	if err != nil {
		h.logger.ErrorContext(ctx, "issue credential failed", "error", err, "application_id", app.ID, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, toDomainError(err))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toCredentialResponse(record, requestcontext.Now(ctx)))
}

// HandleBatchIssue reports per-application outcomes; one failure never
// fails the batch.
func (h *Handler) HandleBatchIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[BatchIssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)

	allowed := make([]models.ApplicationID, 0, len(req.ids))
	var refused []issuance.BatchResult
	for _, id := range req.ids {
		app, err := h.apps.Get(ctx, id)
		if err == nil && !canActFor(principal, app.IssuerID) {
			err = dErrors.New(dErrors.CodeForbidden, "application belongs to another issuer")
		}
		if err != nil {
			refused = append(refused, issuance.BatchResult{ApplicationID: id, Err: err})
			continue
		}
		allowed = append(allowed, id)
	}

	results, err := h.issuer.BatchIssue(ctx, authorityOf(principal), allowed)
	if err != nil {
		h.logger.ErrorContext(ctx, "batch issue failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, toDomainError(err))
		return
	}
	results = append(results, refused...)
	resp := toBatchResponse(results, requestcontext.Now(ctx))
	h.logger.InfoContext(ctx, "batch issue completed",
		"issued", resp.Issued,
		"failed", resp.Failed,
		"request_id", requestID,
	)
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	record, ok := h.loadCredential(w, r)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	if !canActFor(principal, record.IssuerID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "credential belongs to another issuer"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[RevokeRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	revoked, err := h.issuer.Revoke(ctx, issuance.RevokeCommand{
		CredentialID: record.ID,
		Authority:    authorityOf(principal),
		Reason:       req.Reason,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "revoke credential failed", "error", err, "credential_id", record.ID, "request_id", requestID)
		httputil.WriteError(w, toDomainError(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toCredentialResponse(revoked, requestcontext.Now(ctx)))
}

// HandleGetCredential serves the holder and officials of the issuer.
func (h *Handler) HandleGetCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	record, ok := h.loadCredential(w, r)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	if principal.Subject != record.HolderID && !canActFor(principal, record.IssuerID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "credential not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toCredentialResponse(record, requestcontext.Now(ctx)))
}

// HandlePresent builds a presentation for the credential's holder.
func (h *Handler) HandlePresent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	id, err := models.ParseCredentialID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[PresentRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	principal, err := httputil.RequirePrincipal(ctx, h.logger)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	p, err := h.presenter.Present(ctx, presentation.Request{
		CredentialID: id,
		HolderID:     principal.Subject,
		Fields:       req.Fields,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "presentation failed", "error", err, "credential_id", id, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

// HandleVerify checks a stored credential. The outcome is always 200: an
// invalid credential is a result, not an error.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[VerifyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	result, err := h.verifier.Verify(ctx, verification.Request{
		CredentialID: req.id,
		Proof:        req.Proof,
		Verifier:     verifierName(req.Verifier),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "verification failed", "error", err, "credential_id", req.id, "request_id", requestID)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "verification failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleVerifyPresentation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[VerifyPresentationRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	result, err := h.verifier.VerifyPresentation(ctx, req.id, req.Proof, verifierName(req.Verifier))
	if err != nil {
		h.logger.ErrorContext(ctx, "presentation verification failed", "error", err, "credential_id", req.id, "request_id", requestID)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "verification failed"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleVerificationLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	record, ok := h.loadCredential(w, r)
	if !ok {
		return
	}
	principal, _ := requestcontext.PrincipalFrom(ctx)
	if !canActFor(principal, record.IssuerID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "credential belongs to another issuer"))
		return
	}
	entries, err := h.records.ListVerifications(ctx, record.ID)
	if err != nil {
		h.logger.ErrorContext(ctx, "list verifications failed", "error", err, "credential_id", record.ID)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list verifications"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toVerificationLogResponse(record.ID, entries))
}

func (h *Handler) loadApplication(w http.ResponseWriter, r *http.Request) (*models.Application, bool) {
	id, err := models.ParseApplicationID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	app, err := h.apps.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	return app, true
}

// loadOwnApplication loads an application the calling official may act on.
func (h *Handler) loadOwnApplication(w http.ResponseWriter, r *http.Request) (*models.Application, bool) {
	app, ok := h.loadApplication(w, r)
	if !ok {
		return nil, false
	}
	principal, _ := requestcontext.PrincipalFrom(r.Context())
	if !canActFor(principal, app.IssuerID) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "application belongs to another issuer"))
		return nil, false
	}
	return app, true
}

func (h *Handler) loadCredential(w http.ResponseWriter, r *http.Request) (*models.CredentialRecord, bool) {
	id, err := models.ParseCredentialID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return nil, false
	}
	record, err := h.records.FindCredential(r.Context(), id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "credential not found"))
			return nil, false
		}
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load credential"))
		return nil, false
	}
	return record, true
}

// canActFor reports whether p is an official of issuerID. Officials whose
// token names no issuer act for every issuer; the anchor still checks
// their authority.
func canActFor(p requestcontext.Principal, issuerID string) bool {
	return p.HasRole(RoleOfficial) && (p.IssuerID == "" || p.IssuerID == issuerID)
}

func authorityOf(p requestcontext.Principal) string {
	if p.Authority != "" {
		return p.Authority
	}
	return p.Subject
}

func verifierName(v string) string {
	if v == "" {
		return anonymousVerifier
	}
	return v
}
