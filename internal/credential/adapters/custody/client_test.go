package custody

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"certify/internal/credential/commitment"
	"certify/internal/credential/signer"
	custodyhandler "certify/internal/custody/handler"
	"certify/internal/custody/keyring"
	custodyservice "certify/internal/custody/service"
	"certify/internal/custody/vault"
	jwttoken "certify/internal/jwt_token"
	"certify/internal/platform/kafka/consumer"
	"certify/pkg/platform/circuit"
	"certify/pkg/platform/middleware/auth"
)

type ClientSuite struct {
	suite.Suite
	ctx     context.Context
	logger  *slog.Logger
	custody *custodyservice.Service
	server  *httptest.Server
	client  *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.custody = custodyservice.New(keyring.New(), vault.NewMemory(),
		custodyservice.WithIssuers("dept-health"),
		custodyservice.WithLogger(s.logger),
	)
	s.Require().NoError(s.custody.Bootstrap(s.ctx))

	tokens := jwttoken.NewJWTService("client-test-key", "certify-server", "certify-custody", time.Minute)
	r := chi.NewRouter()
	r.Use(auth.RequireAuth(jwttoken.NewServiceValidator(tokens), s.logger))
	custodyhandler.New(s.custody, s.logger).Register(r)
	s.server = httptest.NewServer(r)
	s.T().Cleanup(s.server.Close)

	s.client = New(s.server.URL, ServiceTokens(tokens, "certify-server"),
		WithLogger(s.logger),
		WithRetries(1),
		WithKeyCache(16, time.Minute),
	)
}

func (s *ClientSuite) TestSignAndVerifyThroughCache() {
	payload := []byte(`{"subject":"subject-1"}`)
	sig, err := s.client.Sign(s.ctx, "dept-health", payload)
	s.Require().NoError(err)

	pub, err := s.client.PublicKey(s.ctx, sig.KeyID)
	s.Require().NoError(err)
	s.True(signer.Verify(pub, payload, sig))
	s.False(pub.Revoked)

	_, err = s.custody.RevokeKey(s.ctx, sig.KeyID, "operator-1")
	s.Require().NoError(err)

	cached, err := s.client.PublicKey(s.ctx, sig.KeyID)
	s.Require().NoError(err)
	s.False(cached.Revoked, "served from cache until evicted")

	event, err := json.Marshal(custodyservice.KeyEvent{Type: custodyservice.EventKeyRevoked, KeyID: sig.KeyID})
	s.Require().NoError(err)
	handler := KeyEventHandler(s.client, s.logger)
	s.Require().NoError(handler.Handle(s.ctx, &consumer.Message{Value: event}))
	s.Require().NoError(handler.Handle(s.ctx, &consumer.Message{Value: []byte("not json")}))

	fresh, err := s.client.PublicKey(s.ctx, sig.KeyID)
	s.Require().NoError(err)
	s.True(fresh.Revoked)
}

func (s *ClientSuite) TestSignErrorKinds() {
	_, err := s.client.Sign(s.ctx, "dept-unknown", []byte("x"))
	var sErr *signer.Error
	s.Require().ErrorAs(err, &sErr)
	s.Equal(signer.KindUnauthorized, sErr.Kind)

	keys := s.custody.Keys(s.ctx, "dept-health")
	_, err = s.custody.RevokeKey(s.ctx, keys[0].KeyID, "operator-1")
	s.Require().NoError(err)
	_, err = s.client.Sign(s.ctx, "dept-health", []byte("x"))
	s.Require().ErrorAs(err, &sErr)
	s.Equal(signer.KindKeyRevoked, sErr.Kind)
	s.False(signer.IsTransient(err))
}

func (s *ClientSuite) TestUnknownKey() {
	_, err := s.client.PublicKey(s.ctx, "key_missing")
	s.ErrorIs(err, ErrKeyNotFound)
}

func (s *ClientSuite) TestVaultRoundTrip() {
	blindings, err := commitment.NewBlindings([]string{"childName", "dob"})
	s.Require().NoError(err)

	handle, err := s.client.Seal(s.ctx, "dept-health", "vc_1", blindings)
	s.Require().NoError(err)
	opened, err := s.client.Open(s.ctx, handle)
	s.Require().NoError(err)
	s.Equal(blindings.Encode(), opened.Encode())

	_, err = s.client.Open(s.ctx, "bh_00000000-0000-0000-0000-000000000000")
	var status *StatusError
	s.Require().ErrorAs(err, &status)
	s.Equal(http.StatusNotFound, status.Status)

	handles, err := s.client.Handles(s.ctx, "dept-health", "vc_1")
	s.Require().NoError(err)
	s.Equal([]string{handle}, handles)
	s.Require().NoError(s.client.Discard(s.ctx, handle))
	handles, err = s.client.Handles(s.ctx, "dept-health", "vc_1")
	s.Require().NoError(err)
	s.Empty(handles)
}

func (s *ClientSuite) TestRetriesServerErrors() {
	var calls atomic.Int32
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"handle": "bh_x"})
	}))
	defer flaky.Close()

	c := New(flaky.URL, staticToken, WithRetries(2), WithLogger(s.logger))
	blindings, err := commitment.NewBlindings([]string{"dob"})
	s.Require().NoError(err)
	handle, err := c.Seal(s.ctx, "dept-health", "vc_1", blindings)
	s.Require().NoError(err)
	s.Equal("bh_x", handle)
	s.Equal(int32(2), calls.Load())
}

func (s *ClientSuite) TestBreakerOpensOnOutage() {
	var calls atomic.Int32
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	breaker := circuit.New("custody-test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	c := New(down.URL, staticToken, WithRetries(0), WithBreaker(breaker), WithLogger(s.logger))

	for range 2 {
		_, err := c.Sign(s.ctx, "dept-health", []byte("x"))
		s.True(signer.IsTransient(err))
	}
	s.Equal(circuit.StateOpen, breaker.State())

	_, err := c.Sign(s.ctx, "dept-health", []byte("x"))
	s.True(errors.Is(err, circuit.ErrOpen))
	s.True(signer.IsTransient(err))
	s.Equal(int32(2), calls.Load())
}

func staticToken(context.Context) (string, error) { return "token", nil }
