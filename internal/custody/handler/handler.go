package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"certify/internal/credential/commitment"
	"certify/internal/credential/signer"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/httputil"
	"certify/pkg/platform/middleware/admin"
	"certify/pkg/platform/middleware/auth"
	"certify/pkg/requestcontext"
)

// Service is the custody boundary exposed over HTTP.
type Service interface {
	Sign(ctx context.Context, issuerID string, payload []byte) (signer.Signature, error)
	PublicKey(ctx context.Context, keyID string) (signer.PublicKey, error)
	Keys(ctx context.Context, issuerID string) []signer.PublicKey
	Seal(ctx context.Context, issuerID, credentialID string, blindings commitment.Blindings) (string, error)
	Open(ctx context.Context, handle string) (commitment.Blindings, error)
	Handles(ctx context.Context, issuerID, credentialID string) ([]string, error)
	Discard(ctx context.Context, handle string) error
	GenerateKey(ctx context.Context, issuerID string, alg signer.Algorithm, actor string) (signer.PublicKey, error)
	RevokeKey(ctx context.Context, keyID, actor string) (signer.PublicKey, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the service-to-service routes. The caller installs
// authentication; each route checks its own scope.
func (h *Handler) Register(r chi.Router) {
	r.With(auth.RequireRole(h.logger, signer.ScopeSign)).Post("/v1/sign", h.HandleSign)
	r.With(auth.RequireRole(h.logger, signer.ScopeKeys, signer.ScopeSign)).Get("/v1/keys/{kid}", h.HandlePublicKey)
	r.With(auth.RequireRole(h.logger, signer.ScopeVault)).Post("/v1/vault/seal", h.HandleSeal)
	r.With(auth.RequireRole(h.logger, signer.ScopeVault)).Post("/v1/vault/open", h.HandleOpen)
	r.With(auth.RequireRole(h.logger, signer.ScopeVault)).Post("/v1/vault/handles", h.HandleListHandles)
	r.With(auth.RequireRole(h.logger, signer.ScopeVault)).Post("/v1/vault/discard", h.HandleDiscard)
}

// RegisterAdmin mounts operator key management routes behind the admin token
// middleware installed by the caller.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/keys", h.HandleGenerateKey)
	r.Get("/admin/issuers/{issuer}/keys", h.HandleListKeys)
	r.Post("/admin/keys/{kid}/revoke", h.HandleRevokeKey)
}

// HandleSign signs the payload bytes with the issuer's active key. Signing
// failures carry the signer error kind so remote callers can classify them.
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[SignRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	sig, err := h.service.Sign(ctx, req.IssuerID, req.Payload)
	if err != nil {
		writeSignError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

func writeSignError(w http.ResponseWriter, err error) {
	var sErr *signer.Error
	if !errors.As(err, &sErr) {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "signing failed"))
		return
	}
	code := dErrors.CodeUnavailable
	switch sErr.Kind {
	case signer.KindUnauthorized:
		code = dErrors.CodeForbidden
	case signer.KindKeyRevoked:
		code = dErrors.CodeConflict
	}
	httputil.WriteJSON(w, httputil.DomainCodeToHTTPStatus(code), map[string]string{
		"error":             httputil.DomainCodeToHTTPCode(code),
		"error_description": "signing failed",
		"kind":              string(sErr.Kind),
	})
}

func (h *Handler) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kid := chi.URLParam(r, "kid")

	pub, err := h.service.PublicKey(ctx, kid)
	if err != nil {
		h.logger.WarnContext(ctx, "public key lookup failed", "kid", kid, "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pub)
}

func (h *Handler) HandleSeal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[SealRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	blindings, err := commitment.DecodeBlindings(req.Blindings)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "blindings are not field elements"))
		return
	}

	handle, err := h.service.Seal(ctx, req.IssuerID, req.CredentialID, blindings)
	if err != nil {
		h.logger.ErrorContext(ctx, "seal blindings failed", "error", err, "request_id", requestID, "issuer_id", req.IssuerID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, SealResponse{Handle: handle})
}

// HandleOpen takes the handle in the body so it never lands in access logs.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[OpenRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	blindings, err := h.service.Open(ctx, req.Handle)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, OpenResponse{Blindings: blindings.Encode()})
}

// HandleListHandles returns the handles sealed for one credential so an
// issuer can recover an issuance that was anchored but never recorded.
func (h *Handler) HandleListHandles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[HandlesRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	handles, err := h.service.Handles(ctx, req.IssuerID, req.CredentialID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if handles == nil {
		handles = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, HandlesResponse{Handles: handles})
}

func (h *Handler) HandleDiscard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[OpenRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.Discard(ctx, req.Handle); err != nil {
		h.logger.WarnContext(ctx, "discard blindings failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGenerateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[GenerateKeyRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	pub, err := h.service.GenerateKey(ctx, req.IssuerID, req.alg, admin.ActorID(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "generate key failed", "error", err, "request_id", requestID, "issuer_id", req.IssuerID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, pub)
}

func (h *Handler) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	issuerID := chi.URLParam(r, "issuer")
	httputil.WriteJSON(w, http.StatusOK, KeysResponse{
		IssuerID: issuerID,
		Keys:     h.service.Keys(r.Context(), issuerID),
	})
}

func (h *Handler) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kid := chi.URLParam(r, "kid")

	pub, err := h.service.RevokeKey(ctx, kid, admin.ActorID(ctx))
	if err != nil {
		h.logger.WarnContext(ctx, "revoke key failed", "kid", kid, "error", err, "request_id", requestcontext.RequestID(ctx))
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pub)
}
