package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"certify/internal/credential/commitment"
	"certify/internal/credential/signer"
	"certify/internal/custody/keyring"
	"certify/internal/custody/service"
	"certify/internal/custody/vault"
	jwttoken "certify/internal/jwt_token"
	"certify/pkg/platform/middleware/admin"
	"certify/pkg/platform/middleware/auth"
	"certify/pkg/secrets"
)

const adminToken = "operator-secret"

type HandlerSuite struct {
	suite.Suite
	router   http.Handler
	tokens   *jwttoken.JWTService
	svcToken string
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(keyring.New(), vault.NewMemory(), service.WithIssuers("dept-health"), service.WithLogger(logger))
	s.Require().NoError(svc.Bootstrap(context.Background()))

	s.tokens = jwttoken.NewJWTService("custody-test-key", "certify-server", "certify-custody", time.Hour)
	var err error
	s.svcToken, err = s.tokens.GenerateServiceToken(context.Background(), "certify-server",
		[]string{signer.ScopeSign, signer.ScopeKeys, signer.ScopeVault})
	s.Require().NoError(err)

	hash, err := secrets.Hash(adminToken)
	s.Require().NoError(err)

	h := New(svc, logger)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(jwttoken.NewServiceValidator(s.tokens), logger))
		h.Register(r)
	})
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(hash, logger))
		h.RegisterAdmin(r)
	})
	s.router = r
}

func (s *HandlerSuite) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) admin(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(admin.HeaderToken, adminToken)
	req.Header.Set(admin.HeaderActor, "operator-1")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) TestSignAndFetchKey() {
	payload := []byte(`{"subject":"subject-1"}`)
	rec := s.do(http.MethodPost, "/v1/sign", s.svcToken, SignRequest{IssuerID: "dept-health", Payload: payload})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var sig signer.Signature
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &sig))

	rec = s.do(http.MethodGet, "/v1/keys/"+sig.KeyID, s.svcToken, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var pub signer.PublicKey
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &pub))
	s.True(signer.Verify(pub, payload, sig))

	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/v1/keys/key_missing", s.svcToken, nil).Code)
}

func (s *HandlerSuite) TestSignErrorsCarryKind() {
	rec := s.do(http.MethodPost, "/v1/sign", s.svcToken, SignRequest{IssuerID: "dept-unknown", Payload: []byte("x")})
	s.Equal(http.StatusForbidden, rec.Code)
	var body map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(string(signer.KindUnauthorized), body["kind"])

	rec = s.do(http.MethodPost, "/v1/sign", s.svcToken, SignRequest{IssuerID: "dept-health"})
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestScopesAndAuthentication() {
	s.Equal(http.StatusUnauthorized, s.do(http.MethodPost, "/v1/sign", "", SignRequest{IssuerID: "dept-health", Payload: []byte("x")}).Code)

	vaultOnly, err := s.tokens.GenerateServiceToken(context.Background(), "auditor", []string{signer.ScopeVault})
	s.Require().NoError(err)
	rec := s.do(http.MethodPost, "/v1/sign", vaultOnly, SignRequest{IssuerID: "dept-health", Payload: []byte("x")})
	s.Equal(http.StatusForbidden, rec.Code)

	official, err := s.tokens.GenerateOfficialToken(context.Background(), jwttoken.Official{Subject: "officer-1", IssuerID: "dept-health"})
	s.Require().NoError(err)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/v1/keys/key_x", official, nil).Code)
}

func (s *HandlerSuite) TestVaultRoundTrip() {
	blindings, err := commitment.NewBlindings([]string{"childName", "dob"})
	s.Require().NoError(err)

	rec := s.do(http.MethodPost, "/v1/vault/seal", s.svcToken, SealRequest{
		IssuerID:     "dept-health",
		CredentialID: "vc_1",
		Blindings:    blindings.Encode(),
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var sealed SealResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &sealed))

	rec = s.do(http.MethodPost, "/v1/vault/open", s.svcToken, OpenRequest{Handle: sealed.Handle})
	s.Require().Equal(http.StatusOK, rec.Code)
	var opened OpenResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &opened))
	s.Equal(blindings.Encode(), opened.Blindings)

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/vault/open", s.svcToken, OpenRequest{Handle: "nope"}).Code)
}

func (s *HandlerSuite) TestAdminKeyLifecycle() {
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/admin/issuers/dept-health/keys", "", nil).Code)

	rec := s.admin(http.MethodPost, "/admin/keys", GenerateKeyRequest{IssuerID: "dept-health", Algorithm: "Dilithium3"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var pub signer.PublicKey
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &pub))
	s.Equal(signer.AlgDilithium3, pub.Algorithm)

	s.Equal(http.StatusBadRequest, s.admin(http.MethodPost, "/admin/keys", GenerateKeyRequest{IssuerID: "dept-health", Algorithm: "RSA"}).Code)

	rec = s.admin(http.MethodGet, "/admin/issuers/dept-health/keys", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var keys KeysResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &keys))
	s.Len(keys.Keys, 2)

	rec = s.admin(http.MethodPost, "/admin/keys/"+pub.KeyID+"/revoke", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(http.StatusConflict, s.admin(http.MethodPost, "/admin/keys/"+pub.KeyID+"/revoke", nil).Code)

	rec = s.do(http.MethodPost, "/v1/sign", s.svcToken, SignRequest{IssuerID: "dept-health", Payload: []byte("x")})
	s.Equal(http.StatusConflict, rec.Code)
	var body map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal(string(signer.KindKeyRevoked), body["kind"])
}

func (s *HandlerSuite) TestVaultHandlesAndDiscard() {
	blindings, err := commitment.NewBlindings([]string{"childName"})
	s.Require().NoError(err)
	rec := s.do(http.MethodPost, "/v1/vault/seal", s.svcToken, SealRequest{
		IssuerID: "dept-health", CredentialID: "vc_7", Blindings: blindings.Encode(),
	})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var sealed SealResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &sealed))

	rec = s.do(http.MethodPost, "/v1/vault/handles", s.svcToken, HandlesRequest{IssuerID: "dept-health", CredentialID: "vc_7"})
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var listed HandlesResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &listed))
	s.Equal([]string{sealed.Handle}, listed.Handles)

	s.Equal(http.StatusNoContent, s.do(http.MethodPost, "/v1/vault/discard", s.svcToken, OpenRequest{Handle: sealed.Handle}).Code)

	rec = s.do(http.MethodPost, "/v1/vault/handles", s.svcToken, HandlesRequest{IssuerID: "dept-health", CredentialID: "vc_7"})
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &listed))
	s.Empty(listed.Handles)

	s.Equal(http.StatusForbidden, s.do(http.MethodPost, "/v1/vault/handles", s.svcToken, HandlesRequest{IssuerID: "dept-unknown", CredentialID: "vc_7"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/vault/handles", s.svcToken, HandlesRequest{IssuerID: "dept-health"}).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/v1/vault/discard", s.svcToken, OpenRequest{Handle: "vc_7"}).Code)
}
