// Package custody is the issuer-side client of the custody service. It
// implements the signer, key resolver and blinding vault ports over HTTP.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"

	"certify/internal/credential/commitment"
	"certify/internal/credential/ports"
	"certify/internal/credential/signer"
	jwttoken "certify/internal/jwt_token"
	"certify/pkg/platform/circuit"
	"certify/pkg/requestcontext"
)

var (
	ErrKeyNotFound = errors.New("custody key not found")

	_ ports.Signer        = (*Client)(nil)
	_ ports.KeyResolver   = (*Client)(nil)
	_ ports.BlindingVault = (*Client)(nil)
)

// TokenSource returns a bearer token for one custody call.
type TokenSource func(ctx context.Context) (string, error)

// ServiceTokens mints a fresh service token per call.
func ServiceTokens(tokens *jwttoken.JWTService, service string) TokenSource {
	scopes := []string{signer.ScopeSign, signer.ScopeKeys, signer.ScopeVault}
	return func(ctx context.Context) (string, error) {
		return tokens.GenerateServiceToken(ctx, service, scopes)
	}
}

// StatusError is a non-2xx custody response.
type StatusError struct {
	Status      int
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Kind        string `json:"kind"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("custody returned %d %s: %s", e.Status, e.Code, e.Description)
}

type Client struct {
	baseURL    string
	http       *http.Client
	token      TokenSource
	breaker    *circuit.Breaker
	keys       gcache.Cache
	maxRetries uint64
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// WithKeyCache sizes the public key cache. Entries expire after ttl so a
// missed revocation event is eventually corrected.
func WithKeyCache(size int, ttl time.Duration) Option {
	return func(cl *Client) {
		if size <= 0 {
			return
		}
		b := gcache.New(size).LRU()
		if ttl > 0 {
			b = b.Expiration(ttl)
		}
		cl.keys = b.Build()
	}
}

func WithRetries(n uint64) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

func New(baseURL string, token TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Timeout: 5 * time.Second},
		token:      token,
		maxRetries: 3,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuit.New("custody")
	}
	if c.keys == nil {
		c.keys = gcache.New(1024).LRU().Expiration(10 * time.Minute).Build()
	}
	return c
}

// Sign returns *signer.Error classified from the custody response.
func (c *Client) Sign(ctx context.Context, issuerID string, payload []byte) (signer.Signature, error) {
	var sig signer.Signature
	err := c.call(ctx, http.MethodPost, "/v1/sign", map[string]any{"issuer_id": issuerID, "payload": payload}, &sig)
	if err != nil {
		return signer.Signature{}, &signer.Error{Kind: signKind(err), IssuerID: issuerID, Err: err}
	}
	return sig, nil
}

func signKind(err error) signer.Kind {
	var sErr *StatusError
	if !errors.As(err, &sErr) {
		return signer.KindKeyUnavailable
	}
	switch signer.Kind(sErr.Kind) {
	case signer.KindUnauthorized, signer.KindKeyRevoked, signer.KindKeyUnavailable:
		return signer.Kind(sErr.Kind)
	}
	switch sErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return signer.KindUnauthorized
	case http.StatusConflict:
		return signer.KindKeyRevoked
	default:
		return signer.KindKeyUnavailable
	}
}

// PublicKey resolves a key through the cache.
func (c *Client) PublicKey(ctx context.Context, keyID string) (signer.PublicKey, error) {
	if v, err := c.keys.Get(keyID); err == nil {
		if pub, ok := v.(signer.PublicKey); ok {
			return pub, nil
		}
	}
	var pub signer.PublicKey
	err := c.call(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(keyID), nil, &pub)
	if err != nil {
		var sErr *StatusError
		if errors.As(err, &sErr) && sErr.Status == http.StatusNotFound {
			return signer.PublicKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return signer.PublicKey{}, err
	}
	if err := c.keys.Set(keyID, pub); err != nil {
		c.logger.WarnContext(ctx, "key cache set failed", "kid", keyID, "error", err)
	}
	return pub, nil
}

// Evict drops a cached key so the next lookup refetches it.
func (c *Client) Evict(keyID string) bool {
	return c.keys.Remove(keyID)
}

func (c *Client) Seal(ctx context.Context, issuerID, credentialID string, blindings commitment.Blindings) (string, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/vault/seal", map[string]any{
		"issuer_id":     issuerID,
		"credential_id": credentialID,
		"blindings":     blindings.Encode(),
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Handle, nil
}

func (c *Client) Open(ctx context.Context, handle string) (commitment.Blindings, error) {
	var out struct {
		Blindings map[string]string `json:"blindings"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/vault/open", map[string]string{"handle": handle}, &out); err != nil {
		return nil, err
	}
	return commitment.DecodeBlindings(out.Blindings)
}

func (c *Client) Handles(ctx context.Context, issuerID, credentialID string) ([]string, error) {
	var out struct {
		Handles []string `json:"handles"`
	}
	err := c.call(ctx, http.MethodPost, "/v1/vault/handles", map[string]string{
		"issuer_id":     issuerID,
		"credential_id": credentialID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Handles, nil
}

func (c *Client) Discard(ctx context.Context, handle string) error {
	return c.call(ctx, http.MethodPost, "/v1/vault/discard", map[string]string{"handle": handle}, nil)
}

// Check reports whether custody answers its liveness endpoint.
func (c *Client) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/live", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("custody liveness returned %d", resp.StatusCode)
	}
	return nil
}

// call retries transport failures and 5xx responses with exponential
// backoff. 4xx responses are final. The breaker only counts failures that
// indicate custody itself is unhealthy.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode custody request: %w", err)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), c.maxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if !c.breaker.Allow() {
			return backoff.Permanent(circuit.ErrOpen)
		}
		err := c.do(ctx, method, path, raw, out)
		var sErr *StatusError
		var perm *backoff.PermanentError
		switch {
		case err == nil:
			c.breaker.RecordSuccess()
			return nil
		case errors.As(err, &perm):
			return err
		case errors.As(err, &sErr) && sErr.Status < http.StatusInternalServerError:
			c.breaker.RecordSuccess()
			return backoff.Permanent(err)
		default:
			c.breaker.RecordFailure()
			c.logger.WarnContext(ctx, "custody call failed",
				"path", path,
				"attempt", attempt,
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			return err
		}
	}
	return backoff.Retry(op, policy)
}

func (c *Client) do(ctx context.Context, method, path string, raw []byte, out any) error {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("mint custody token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if id := requestcontext.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		sErr := &StatusError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(sErr)
		return sErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode custody response: %w", err)
	}
	return nil
}
