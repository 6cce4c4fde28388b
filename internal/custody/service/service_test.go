package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"certify/internal/credential/commitment"
	"certify/internal/credential/signer"
	"certify/internal/custody/keyring"
	"certify/internal/custody/metrics"
	"certify/internal/custody/vault"
	"certify/internal/platform/kafka/producer"
	dErrors "certify/pkg/domain-errors"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*producer.Message
	err  error
}

func (p *recordingPublisher) Produce(_ context.Context, msg *producer.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) events(s *ServiceSuite) []KeyEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]KeyEvent, len(p.msgs))
	for i, m := range p.msgs {
		s.Require().NoError(json.Unmarshal(m.Value, &out[i]))
		s.Equal("certify.custody.keys", m.Topic)
		s.Equal(out[i].KeyID, string(m.Key))
	}
	return out
}

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	service   *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.publisher = &recordingPublisher{}
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.service = New(keyring.New(), vault.NewMemory(),
		WithIssuers("dept-health", "dept-trade"),
		WithPublisher(s.publisher, "certify.custody.keys"),
		WithMetrics(s.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Require().NoError(s.service.Bootstrap(s.ctx))
}

func (s *ServiceSuite) TestBootstrapIsIdempotent() {
	s.Require().NoError(s.service.Bootstrap(s.ctx))
	s.Len(s.service.Keys(s.ctx, "dept-health"), 1)
	s.Len(s.service.Keys(s.ctx, "dept-trade"), 1)

	events := s.publisher.events(s)
	s.Require().Len(events, 2)
	s.Equal(EventKeyGenerated, events[0].Type)
	s.Equal("bootstrap", events[0].Actor)
}

func (s *ServiceSuite) TestSignAndResolve() {
	payload := []byte(`{"subject":"subject-1"}`)
	sig, err := s.service.Sign(s.ctx, "dept-health", payload)
	s.Require().NoError(err)

	pub, err := s.service.PublicKey(s.ctx, sig.KeyID)
	s.Require().NoError(err)
	s.True(signer.Verify(pub, payload, sig))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Signatures.WithLabelValues(string(signer.AlgEd25519), "ok")))

	_, err = s.service.PublicKey(s.ctx, "key_missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestSignRefusesUnknownIssuer() {
	_, err := s.service.Sign(s.ctx, "dept-unknown", []byte("x"))
	var sErr *signer.Error
	s.Require().ErrorAs(err, &sErr)
	s.Equal(signer.KindUnauthorized, sErr.Kind)
}

func (s *ServiceSuite) TestRevokedKeyStopsSigning() {
	sig, err := s.service.Sign(s.ctx, "dept-health", []byte("before"))
	s.Require().NoError(err)

	pub, err := s.service.RevokeKey(s.ctx, sig.KeyID, "operator-1")
	s.Require().NoError(err)
	s.True(pub.Revoked)

	_, err = s.service.Sign(s.ctx, "dept-health", []byte("after"))
	var sErr *signer.Error
	s.Require().ErrorAs(err, &sErr)
	s.Equal(signer.KindKeyRevoked, sErr.Kind)

	// Signatures made before revocation still verify against the key.
	resolved, err := s.service.PublicKey(s.ctx, sig.KeyID)
	s.Require().NoError(err)
	s.True(signer.Verify(resolved, []byte("before"), sig))

	_, err = s.service.RevokeKey(s.ctx, sig.KeyID, "operator-1")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	events := s.publisher.events(s)
	last := events[len(events)-1]
	s.Equal(EventKeyRevoked, last.Type)
	s.Equal(sig.KeyID, last.KeyID)
	s.Equal("operator-1", last.Actor)

	// A rotated key restores signing.
	_, err = s.service.GenerateKey(s.ctx, "dept-health", signer.AlgDilithium3, "operator-1")
	s.Require().NoError(err)
	sig, err = s.service.Sign(s.ctx, "dept-health", []byte("rotated"))
	s.Require().NoError(err)
	s.Equal(signer.AlgDilithium3, sig.Algorithm)
}

func (s *ServiceSuite) TestPublishFailureDoesNotFailRevocation() {
	keys := s.service.Keys(s.ctx, "dept-trade")
	s.Require().Len(keys, 1)
	s.publisher.err = errors.New("broker down")

	_, err := s.service.RevokeKey(s.ctx, keys[0].KeyID, "operator-1")
	s.Require().NoError(err)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.EventFailures))
}

func (s *ServiceSuite) TestVault() {
	blindings, err := commitment.NewBlindings([]string{"childName"})
	s.Require().NoError(err)

	handle, err := s.service.Seal(s.ctx, "dept-health", "vc_1", blindings)
	s.Require().NoError(err)
	opened, err := s.service.Open(s.ctx, handle)
	s.Require().NoError(err)
	s.Equal(blindings.Encode(), opened.Encode())

	_, err = s.service.Seal(s.ctx, "dept-unknown", "vc_1", blindings)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	_, err = s.service.Seal(s.ctx, "dept-health", "vc_1", nil)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = s.service.Open(s.ctx, "not-a-handle")
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	_, err = s.service.Open(s.ctx, "bh_00000000-0000-0000-0000-000000000000")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestVaultHandlesAndDiscard() {
	blindings, err := commitment.NewBlindings([]string{"childName"})
	s.Require().NoError(err)
	handle, err := s.service.Seal(s.ctx, "dept-health", "vc_1", blindings)
	s.Require().NoError(err)

	handles, err := s.service.Handles(s.ctx, "dept-health", "vc_1")
	s.Require().NoError(err)
	s.Equal([]string{handle}, handles)
	_, err = s.service.Handles(s.ctx, "dept-unknown", "vc_1")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	s.Require().NoError(s.service.Discard(s.ctx, handle))
	handles, err = s.service.Handles(s.ctx, "dept-health", "vc_1")
	s.Require().NoError(err)
	s.Empty(handles)
	s.True(dErrors.HasCode(s.service.Discard(s.ctx, "not-a-handle"), dErrors.CodeBadRequest))
}
