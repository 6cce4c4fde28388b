// Package keyring holds issuer signing keys inside the custody boundary.
// Private key material never leaves this package; callers get signatures and
// public key descriptors only.
package keyring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/google/uuid"

	"certify/internal/credential/signer"
)

var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrKeyAlreadyRevoked = errors.New("key already revoked")
	ErrNoActiveKey       = errors.New("issuer has no active key")
)

const keyIDPrefix = "key_"

type key struct {
	public    signer.PublicKey
	ed        ed25519.PrivateKey
	dilithium *mode3.PrivateKey
	createdAt time.Time
}

// Keyring maps issuers to their active signing key. Rotated keys stay
// resolvable so earlier signatures keep verifying.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]*key
	active map[string]string
	rand   io.Reader
	now    func() time.Time
}

type Option func(*Keyring)

// WithRand overrides the entropy source.
func WithRand(r io.Reader) Option {
	return func(k *Keyring) { k.rand = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(k *Keyring) { k.now = now }
}

func New(opts ...Option) *Keyring {
	k := &Keyring{
		keys:   make(map[string]*key),
		active: make(map[string]string),
		rand:   rand.Reader,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Generate creates a key for issuerID and makes it the issuer's active key.
func (k *Keyring) Generate(ctx context.Context, issuerID string, alg signer.Algorithm) (signer.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return signer.PublicKey{}, err
	}
	if issuerID == "" {
		return signer.PublicKey{}, errors.New("issuer_id is required")
	}

	kid := keyIDPrefix + uuid.NewString()
	entry := &key{createdAt: k.now()}
	switch alg {
	case signer.AlgEd25519:
		pub, priv, err := ed25519.GenerateKey(k.rand)
		if err != nil {
			return signer.PublicKey{}, fmt.Errorf("generate ed25519 key: %w", err)
		}
		entry.ed = priv
		entry.public = signer.PublicKey{KeyID: kid, IssuerID: issuerID, Algorithm: alg, Key: []byte(pub)}
	case signer.AlgDilithium3:
		pub, priv, err := mode3.GenerateKey(k.rand)
		if err != nil {
			return signer.PublicKey{}, fmt.Errorf("generate dilithium3 key: %w", err)
		}
		raw, err := pub.MarshalBinary()
		if err != nil {
			return signer.PublicKey{}, fmt.Errorf("encode dilithium3 key: %w", err)
		}
		entry.dilithium = priv
		entry.public = signer.PublicKey{KeyID: kid, IssuerID: issuerID, Algorithm: alg, Key: raw}
	default:
		return signer.PublicKey{}, fmt.Errorf("unsupported signature algorithm %q", alg)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = entry
	k.active[issuerID] = kid
	return entry.public, nil
}

// Sign signs payload with the issuer's active key.
func (k *Keyring) Sign(ctx context.Context, issuerID string, payload []byte) (signer.Signature, error) {
	if err := ctx.Err(); err != nil {
		return signer.Signature{}, &signer.Error{Kind: signer.KindKeyUnavailable, IssuerID: issuerID, Err: err}
	}

	k.mu.RLock()
	kid, ok := k.active[issuerID]
	var entry *key
	if ok {
		entry = k.keys[kid]
	}
	k.mu.RUnlock()

	if entry == nil {
		return signer.Signature{}, &signer.Error{Kind: signer.KindUnauthorized, IssuerID: issuerID, Err: ErrNoActiveKey}
	}
	if entry.public.Revoked {
		return signer.Signature{}, &signer.Error{Kind: signer.KindKeyRevoked, IssuerID: issuerID}
	}

	sig := signer.Signature{Algorithm: entry.public.Algorithm, KeyID: kid}
	switch entry.public.Algorithm {
	case signer.AlgEd25519:
		sig.Value = ed25519.Sign(entry.ed, payload)
	case signer.AlgDilithium3:
		sig.Value = make([]byte, mode3.SignatureSize)
		mode3.SignTo(entry.dilithium, payload, sig.Value)
	}
	return sig, nil
}

// PublicKey resolves a key by ID, including rotated and revoked keys.
func (k *Keyring) PublicKey(ctx context.Context, keyID string) (signer.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return signer.PublicKey{}, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	entry, ok := k.keys[keyID]
	if !ok {
		return signer.PublicKey{}, ErrKeyNotFound
	}
	return clonePublic(entry.public), nil
}

// Revoke stops a key from signing. Signatures it already produced still
// verify; verifiers decide whether a revoked key is acceptable.
func (k *Keyring) Revoke(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.keys[keyID]
	if !ok {
		return ErrKeyNotFound
	}
	if entry.public.Revoked {
		return ErrKeyAlreadyRevoked
	}
	entry.public.Revoked = true
	return nil
}

// Keys lists an issuer's keys, oldest first.
func (k *Keyring) Keys(issuerID string) []signer.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	entries := make([]*key, 0)
	for _, e := range k.keys {
		if e.public.IssuerID == issuerID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].public.KeyID < entries[j].public.KeyID
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})
	out := make([]signer.PublicKey, len(entries))
	for i, e := range entries {
		out[i] = clonePublic(e.public)
	}
	return out
}

func clonePublic(p signer.PublicKey) signer.PublicKey {
	p.Key = append([]byte(nil), p.Key...)
	return p
}
