// Package service is the custody trust boundary: it signs for issuers, seals
// and opens blinding factors, and manages issuer key lifecycles. Key
// lifecycle changes are published so issuer-side key caches can evict.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"certify/internal/credential/commitment"
	"certify/internal/credential/ports"
	"certify/internal/credential/signer"
	"certify/internal/custody/keyring"
	"certify/internal/custody/metrics"
	"certify/internal/custody/vault"
	"certify/internal/platform/kafka/producer"
	dErrors "certify/pkg/domain-errors"
	"certify/pkg/requestcontext"
)

const (
	EventKeyGenerated = "key.generated"
	EventKeyRevoked   = "key.revoked"
)

// KeyEvent is the message published on key lifecycle changes.
type KeyEvent struct {
	Type      string           `json:"type"`
	KeyID     string           `json:"kid"`
	IssuerID  string           `json:"issuer_id"`
	Algorithm signer.Algorithm `json:"alg"`
	Actor     string           `json:"actor,omitempty"`
	At        time.Time        `json:"at"`
}

// Publisher delivers key events; *producer.Producer and *producer.LogPublisher
// both satisfy it.
type Publisher interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

type Service struct {
	keyring   *keyring.Keyring
	vault     ports.BlindingVault
	issuers   []string
	publisher Publisher
	topic     string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher publishes key events to topic.
func WithPublisher(p Publisher, topic string) Option {
	return func(s *Service) {
		s.publisher = p
		s.topic = topic
	}
}

// WithIssuers restricts signing and sealing to the listed issuers. Without
// it any issuer holding a key may sign.
func WithIssuers(issuers ...string) Option {
	return func(s *Service) { s.issuers = slices.Clone(issuers) }
}

func New(kr *keyring.Keyring, v ports.BlindingVault, opts ...Option) *Service {
	s := &Service{keyring: kr, vault: v, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) allowed(issuerID string) bool {
	return len(s.issuers) == 0 || slices.Contains(s.issuers, issuerID)
}

// Bootstrap gives every configured issuer an Ed25519 key if it has no
// usable one.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, issuerID := range s.issuers {
		usable := slices.ContainsFunc(s.keyring.Keys(issuerID), func(k signer.PublicKey) bool { return !k.Revoked })
		if usable {
			continue
		}
		if _, err := s.GenerateKey(ctx, issuerID, signer.AlgEd25519, "bootstrap"); err != nil {
			return err
		}
	}
	return nil
}

// Sign returns *signer.Error on failure so callers can tell outages from
// authorization and revocation.
func (s *Service) Sign(ctx context.Context, issuerID string, payload []byte) (signer.Signature, error) {
	if !s.allowed(issuerID) {
		s.observeSign("", "unauthorized")
		return signer.Signature{}, &signer.Error{Kind: signer.KindUnauthorized, IssuerID: issuerID}
	}
	start := time.Now()
	sig, err := s.keyring.Sign(ctx, issuerID, payload)
	if s.metrics != nil {
		s.metrics.ObserveSignLatency(time.Since(start).Seconds())
	}
	if err != nil {
		var sErr *signer.Error
		kind := "error"
		if errors.As(err, &sErr) {
			kind = string(sErr.Kind)
		}
		s.observeSign("", kind)
		s.logger.WarnContext(ctx, "custody sign refused",
			"issuer_id", issuerID,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		return signer.Signature{}, err
	}
	s.observeSign(string(sig.Algorithm), "ok")
	return sig, nil
}

func (s *Service) observeSign(alg, result string) {
	if s.metrics != nil {
		s.metrics.IncSignature(alg, result)
	}
}

func (s *Service) PublicKey(ctx context.Context, keyID string) (signer.PublicKey, error) {
	pub, err := s.keyring.PublicKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeNotFound, "key not found")
		}
		return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve key")
	}
	return pub, nil
}

// Keys lists an issuer's keys, oldest first, including revoked ones.
func (s *Service) Keys(_ context.Context, issuerID string) []signer.PublicKey {
	return s.keyring.Keys(issuerID)
}

func (s *Service) Seal(ctx context.Context, issuerID, credentialID string, blindings commitment.Blindings) (string, error) {
	if !s.allowed(issuerID) {
		s.observeVault("seal", "forbidden")
		return "", dErrors.New(dErrors.CodeForbidden, "issuer is not served by this custody")
	}
	if issuerID == "" || credentialID == "" || len(blindings) == 0 {
		s.observeVault("seal", "invalid")
		return "", dErrors.New(dErrors.CodeValidation, "issuer_id, credential_id and blindings are required")
	}
	handle, err := s.vault.Seal(ctx, issuerID, credentialID, blindings)
	if err != nil {
		s.observeVault("seal", "error")
		return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to seal blindings")
	}
	s.observeVault("seal", "ok")
	return handle, nil
}

func (s *Service) Open(ctx context.Context, handle string) (commitment.Blindings, error) {
	b, err := s.vault.Open(ctx, handle)
	switch {
	case err == nil:
		s.observeVault("open", "ok")
		return b, nil
	case errors.Is(err, vault.ErrInvalidHandle):
		s.observeVault("open", "invalid")
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid blinding handle")
	case errors.Is(err, vault.ErrNotFound):
		s.observeVault("open", "not_found")
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "blinding handle not found")
	default:
		s.observeVault("open", "error")
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to open blindings")
	}
}

// Handles lists the live handles sealed for a credential.
func (s *Service) Handles(ctx context.Context, issuerID, credentialID string) ([]string, error) {
	if !s.allowed(issuerID) {
		s.observeVault("handles", "forbidden")
		return nil, dErrors.New(dErrors.CodeForbidden, "issuer is not served by this custody")
	}
	handles, err := s.vault.Handles(ctx, issuerID, credentialID)
	if err != nil {
		s.observeVault("handles", "error")
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list blinding handles")
	}
	s.observeVault("handles", "ok")
	return handles, nil
}

// Discard drops the blindings behind a handle.
func (s *Service) Discard(ctx context.Context, handle string) error {
	err := s.vault.Discard(ctx, handle)
	switch {
	case err == nil:
		s.observeVault("discard", "ok")
		return nil
	case errors.Is(err, vault.ErrInvalidHandle):
		s.observeVault("discard", "invalid")
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid blinding handle")
	default:
		s.observeVault("discard", "error")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to discard blindings")
	}
}

func (s *Service) observeVault(op, result string) {
	if s.metrics != nil {
		s.metrics.IncVaultOp(op, result)
	}
}

// GenerateKey creates a key and makes it the issuer's active signing key.
func (s *Service) GenerateKey(ctx context.Context, issuerID string, alg signer.Algorithm, actor string) (signer.PublicKey, error) {
	if !s.allowed(issuerID) {
		return signer.PublicKey{}, dErrors.New(dErrors.CodeForbidden, "issuer is not served by this custody")
	}
	pub, err := s.keyring.Generate(ctx, issuerID, alg)
	if err != nil {
		return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "failed to generate key")
	}
	s.logger.InfoContext(ctx, "custody key generated",
		"kid", pub.KeyID,
		"issuer_id", issuerID,
		"alg", pub.Algorithm,
		"actor", actor,
	)
	s.publish(ctx, KeyEvent{Type: EventKeyGenerated, KeyID: pub.KeyID, IssuerID: issuerID, Algorithm: pub.Algorithm, Actor: actor})
	return pub, nil
}

// RevokeKey stops a key from signing. Existing signatures still verify.
func (s *Service) RevokeKey(ctx context.Context, keyID, actor string) (signer.PublicKey, error) {
	if err := s.keyring.Revoke(ctx, keyID); err != nil {
		switch {
		case errors.Is(err, keyring.ErrKeyNotFound):
			return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeNotFound, "key not found")
		case errors.Is(err, keyring.ErrKeyAlreadyRevoked):
			return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeConflict, "key already revoked")
		default:
			return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke key")
		}
	}
	pub, err := s.keyring.PublicKey(ctx, keyID)
	if err != nil {
		return signer.PublicKey{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve revoked key")
	}
	s.logger.WarnContext(ctx, "custody key revoked",
		"kid", keyID,
		"issuer_id", pub.IssuerID,
		"actor", actor,
	)
	s.publish(ctx, KeyEvent{Type: EventKeyRevoked, KeyID: keyID, IssuerID: pub.IssuerID, Algorithm: pub.Algorithm, Actor: actor})
	return pub, nil
}

// publish is best effort: a lost event only delays cache eviction until the
// cache entry expires.
func (s *Service) publish(ctx context.Context, ev KeyEvent) {
	if s.metrics != nil {
		s.metrics.IncKeyEvent(ev.Type)
	}
	if s.publisher == nil {
		return
	}
	ev.At = requestcontext.Now(ctx).UTC()
	value, err := json.Marshal(ev)
	if err == nil {
		err = s.publisher.Produce(ctx, &producer.Message{
			Topic:   s.topic,
			Key:     []byte(ev.KeyID),
			Value:   value,
			Headers: map[string]string{"event_type": ev.Type},
		})
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.EventFailures.Inc()
		}
		s.logger.ErrorContext(ctx, "failed to publish key event",
			"kid", ev.KeyID,
			"type", ev.Type,
			"error", err,
		)
	}
}
